package registry

import (
	"github.com/streamdeck/core/models"
)

// DeleteHost halts the host's poller (if running) and removes it from
// the registry, requesting a persistence flush so the deletion survives
// a restart.
func (r *Registry) DeleteHost(uuid string) {
	r.mapMu.Lock()
	rec, ok := r.records[uuid]
	if ok {
		delete(r.records, uuid)
	}
	r.mapMu.Unlock()

	if !ok {
		return
	}

	r.pollMu.Lock()
	if r.pollRefCount > 0 {
		r.stopPollerLocked(rec)
	}
	r.pollMu.Unlock()

	r.persist.requestFlush()
}

// RenameHost sets a host's display name and marks it as user-chosen, so
// future serverinfo hostname updates never overwrite it.
func (r *Registry) RenameHost(uuid, name string) {
	r.mapMu.RLock()
	rec, ok := r.records[uuid]
	r.mapMu.RUnlock()
	if !ok {
		return
	}

	changed := rec.mutate(func(h *models.Host) bool {
		if h.Name == name && h.HasCustomName {
			return false
		}
		h.Name = name
		h.HasCustomName = true
		return true
	})
	if changed {
		r.persist.requestFlush()
		r.emit(HostEvent{Kind: EventHostStateChanged, Host: rec.snapshot()})
	}
}
