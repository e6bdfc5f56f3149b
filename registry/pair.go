package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/streamdeck/core/models"
	"github.com/streamdeck/core/pairing"
)

// PairHost runs the pairing handshake against a known host and, on
// success, pins the returned server certificate and marks the host
// paired. It runs asynchronously and reports through an
// EventPairingCompleted event; if a pairing attempt against this UUID is
// already running, that event carries an error.
func (r *Registry) PairHost(uuid, pin string) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		r.pairHost(uuid, pin)
	}()
}

func (r *Registry) pairHost(uuid, pin string) {
	r.mapMu.RLock()
	rec, ok := r.records[uuid]
	r.mapMu.RUnlock()
	if !ok {
		r.emit(HostEvent{Kind: EventPairingCompleted, Err: fmt.Errorf("registry: unknown host %s", uuid)})
		return
	}

	if !rec.tryStartPairing() {
		r.emit(HostEvent{Kind: EventPairingCompleted, Err: fmt.Errorf("registry: pairing already in progress for %s", uuid)})
		return
	}
	defer rec.finishPairing()

	snap := rec.snapshot()
	client, err := newPairingClient(r.id, snap.Addresses.ActiveAddress)
	if err != nil {
		r.emit(HostEvent{Kind: EventPairingCompleted, Err: err})
		return
	}
	if snap.HTTPSPort > 0 {
		client.SetHTTPSPort(snap.HTTPSPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	generation := pairing.HostGenerationFromAppVersion(snap.AppVersion)
	session := pairing.New(client, r.id, generation, pin)
	result, cert, err := session.Run(ctx)
	if err != nil {
		r.emit(HostEvent{Kind: EventPairingCompleted, Err: err, Host: snap})
		return
	}
	if result != pairing.PAIRED {
		r.emit(HostEvent{Kind: EventPairingCompleted, Err: fmt.Errorf("registry: pairing result %s", result), Host: snap})
		return
	}

	rec.mutate(func(h *models.Host) bool {
		h.ServerCert = cert
		h.PairState = models.PairStatePaired
		return true
	})

	r.persist.requestFlush()
	r.emit(HostEvent{Kind: EventPairingCompleted, Host: rec.snapshot()})
}

// UnpairHost clears a host's pinned certificate and pair state, without
// contacting the host (mirroring the pairing engine's own best-effort
// unpair-on-failure behavior).
func (r *Registry) UnpairHost(uuid string) {
	r.mapMu.RLock()
	rec, ok := r.records[uuid]
	r.mapMu.RUnlock()
	if !ok {
		return
	}
	changed := rec.mutate(func(h *models.Host) bool {
		if h.PairState == models.PairStateUnpaired {
			return false
		}
		h.PairState = models.PairStateUnpaired
		h.ServerCert = nil
		return true
	})
	if changed {
		r.persist.requestFlush()
		r.emit(HostEvent{Kind: EventHostStateChanged, Host: rec.snapshot()})
	}
}

// QuitRunningApp asks a host to terminate its running application.
func (r *Registry) QuitRunningApp(uuid string) {
	r.mapMu.RLock()
	rec, ok := r.records[uuid]
	r.mapMu.RUnlock()
	if !ok {
		r.emit(HostEvent{Kind: EventQuitAppCompleted, Err: fmt.Errorf("registry: unknown host %s", uuid)})
		return
	}

	rec.mutate(func(h *models.Host) bool {
		h.PendingQuit = true
		return true
	})

	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()

		snap := rec.snapshot()
		client, err := r.newClientFor(snap)
		if err != nil {
			r.emit(HostEvent{Kind: EventQuitAppCompleted, Err: err})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = client.QuitApp(ctx)

		rec.mutate(func(h *models.Host) bool {
			h.PendingQuit = false
			if err == nil {
				h.CurrentGameID = 0
			}
			return true
		})
		r.emit(HostEvent{Kind: EventQuitAppCompleted, Err: err, Host: rec.snapshot()})
	}()
}
