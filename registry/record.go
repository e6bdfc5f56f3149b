package registry

import (
	"sync"

	"github.com/streamdeck/core/httpclient"
	"github.com/streamdeck/core/models"
)

// record is one entry in the Registry's map: a Host plus the poller
// state a single polling worker owns. The client field is not set by the
// poller; pollOnce builds a new httpclient.Client for every poll cycle.
// All mutation of host
// goes through methods that take recMu, this record's own
// reader/writer lock; readers (snapshot, serialization) take it in
// shared mode, mutators exclusive.
type record struct {
	recMu sync.RWMutex
	host  models.Host

	client *httpclient.Client

	pollCancel func()
	pollDone   chan struct{}

	consecutiveFailures int
	pollCycles          int

	pairingInProgress bool
}

// tryStartPairing claims exclusive pairing rights for this record,
// implementing the ALREADY_IN_PROGRESS result.
func (r *record) tryStartPairing() bool {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	if r.pairingInProgress {
		return false
	}
	r.pairingInProgress = true
	return true
}

func (r *record) finishPairing() {
	r.recMu.Lock()
	r.pairingInProgress = false
	r.recMu.Unlock()
}

// snapshot returns a deep-enough copy of the host, safe to hand to a
// caller outside the record's lock.
func (r *record) snapshot() models.Host {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	return r.host.Clone()
}

// mutate runs fn with the record locked exclusively and reports whether
// fn changed anything worth a host-state-changed event or a persistence
// flush; fn returns that verdict itself.
func (r *record) mutate(fn func(h *models.Host) bool) bool {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	return fn(&r.host)
}
