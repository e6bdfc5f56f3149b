package registry

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamdeck/core/persistence"
	"github.com/streamdeck/core/pkg/logging"
)

// persistenceWorker coalesces flush requests into a single background
// writer goroutine, so a burst of poll-driven state changes produces one
// SaveHosts call, not one per change. Following the leaf-lock discipline
// the rest of the registry uses, this worker's own mutex (flushMu) is
// never held while a record lock or the registry's map lock is held:
// requestFlush only ever sets a boolean and signals a condition
// variable.
type persistenceWorker struct {
	store *persistence.Store
	reg   *Registry

	flushMu   sync.Mutex
	flushCond *sync.Cond
	pending   bool
	stopped   bool

	lastSerialized []byte

	wg  sync.WaitGroup
	log zerolog.Logger
}

func newPersistenceWorker(store *persistence.Store, reg *Registry) *persistenceWorker {
	w := &persistenceWorker{
		store: store,
		reg:   reg,
		log:   logging.Component("registry.persist"),
	}
	w.flushCond = sync.NewCond(&w.flushMu)
	return w
}

func (w *persistenceWorker) start() {
	w.flushMu.Lock()
	w.stopped = false
	w.flushMu.Unlock()

	w.wg.Add(1)
	go w.loop()
}

func (w *persistenceWorker) stop() {
	w.flushMu.Lock()
	w.stopped = true
	w.flushCond.Broadcast()
	w.flushMu.Unlock()
	w.wg.Wait()
}

// requestFlush marks a save as needed and wakes the worker. Safe to call
// from any goroutine, including from inside a record.mutate callback,
// since it never blocks and takes no lock but its own.
func (w *persistenceWorker) requestFlush() {
	w.flushMu.Lock()
	w.pending = true
	w.flushCond.Broadcast()
	w.flushMu.Unlock()
}

func (w *persistenceWorker) loop() {
	defer w.wg.Done()
	for {
		w.flushMu.Lock()
		for !w.pending && !w.stopped {
			w.flushCond.Wait()
		}
		if w.stopped && !w.pending {
			w.flushMu.Unlock()
			return
		}
		w.pending = false
		stopping := w.stopped
		w.flushMu.Unlock()

		w.flushOnce()

		if stopping {
			return
		}
	}
}

func (w *persistenceWorker) flushOnce() {
	hosts := w.reg.GetHosts()

	encoded, err := json.Marshal(hosts)
	if err != nil {
		w.log.Warn().Err(err).Msg("marshal hosts for change detection failed")
		return
	}

	w.flushMu.Lock()
	unchanged := bytes.Equal(encoded, w.lastSerialized)
	w.flushMu.Unlock()
	if unchanged {
		return
	}

	if err := w.store.SaveHosts(hosts); err != nil {
		w.log.Warn().Err(err).Msg("save hosts failed")
		return
	}

	w.flushMu.Lock()
	w.lastSerialized = encoded
	w.flushMu.Unlock()
}
