package registry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/streamdeck/core/models"
)

// AddHostManually parses a user-entered address (a bare hostname/IPv4, a
// bracketed IPv6 literal, or a gs:// URL) and starts an async add.
func (r *Registry) AddHostManually(text string) error {
	address, err := parseManualAddress(text)
	if err != nil {
		return err
	}
	r.AddHost(address, false, "")
	return nil
}

func parseManualAddress(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("registry: empty host address")
	}

	if strings.Contains(text, "://") {
		u, err := url.Parse(text)
		if err != nil {
			return "", fmt.Errorf("registry: parse host url: %w", err)
		}
		text = u.Hostname()
	}

	text = strings.Trim(text, "[]")
	if text == "" {
		return "", fmt.Errorf("registry: host address has no hostname")
	}
	return text, nil
}

// AddHost asynchronously probes address, merges the result into the
// registry (by discovered UUID), and emits EventHostAddCompleted.
// fromMDNS suppresses the STUN/port-blocking diagnostics that only make
// sense for a manually-entered address a user is actively troubleshooting.
func (r *Registry) AddHost(address string, fromMDNS bool, ipv6Global string) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		r.addHost(address, fromMDNS, ipv6Global)
	}()
}

func (r *Registry) addHost(address string, fromMDNS bool, ipv6Global string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := newPairingClient(r.id, address)
	if err != nil {
		r.emit(HostEvent{Kind: EventHostAddCompleted, Success: false})
		return
	}

	body, err := client.ServerInfo(ctx, false)
	if err != nil {
		var blocked []int
		if !fromMDNS {
			blocked = probePortBlocking(address)
		}
		r.emit(HostEvent{Kind: EventHostAddCompleted, Success: false, SuspectedPortBlocking: blocked})
		return
	}

	info, err := parseServerInfo(body)
	if err != nil || info.UUID == "" {
		r.emit(HostEvent{Kind: EventHostAddCompleted, Success: false})
		return
	}
	info.UUID = uuidOrNew(info.UUID)

	host := r.mergeHost(info, address, fromMDNS, ipv6Global)

	// A host we already hold a pinned certificate for gets re-fetched
	// over HTTPS; the HTTPS-reported fields refine the record merged
	// above but never contradict the identity (UUID) the HTTP fetch
	// already established.
	if len(host.ServerCert) > 0 && host.HTTPSPort > 0 {
		if pinned, err := r.newClientFor(host); err == nil {
			if httpsBody, err := pinned.ServerInfo(ctx, false); err != nil {
				r.log.Debug().Str("host", host.UUID).Err(err).Msg("https re-fetch after add failed, will retry on next poll")
			} else if httpsInfo, err := parseServerInfo(httpsBody); err == nil {
				r.mapMu.RLock()
				rec, ok := r.records[host.UUID]
				r.mapMu.RUnlock()
				if ok {
					rec.mutate(func(h *models.Host) bool {
						return applyServerInfo(h, httpsInfo)
					})
					host = rec.snapshot()
				}
			}
		}
	}

	if !fromMDNS && isSiteLocalIPv4(address) {
		go r.probeExternalAddress(host.UUID, address)
	}

	r.persist.requestFlush()
	r.emit(HostEvent{Kind: EventHostAddCompleted, Success: true, Host: host})
}

// mergeHost inserts or updates the record keyed by info.UUID, starting a
// poller for it if polling is currently active, and returns a snapshot.
func (r *Registry) mergeHost(info serverInfo, address string, fromMDNS bool, ipv6Global string) models.Host {
	r.mapMu.Lock()
	rec, exists := r.records[info.UUID]
	if !exists {
		rec = &record{host: models.Host{UUID: info.UUID, Reachability: models.ReachabilityOnline}}
		r.records[info.UUID] = rec
	}
	r.mapMu.Unlock()

	rec.mutate(func(h *models.Host) bool {
		applyServerInfo(h, info)
		if !h.HasCustomName && h.Name == "" {
			h.Name = info.Hostname
		}
		if fromMDNS {
			h.Addresses.Local = address
		} else {
			h.Addresses.Manual = address
		}
		if ipv6Global != "" {
			h.Addresses.IPv6Global = ipv6Global
		}
		if h.Addresses.ActiveAddress == "" || !h.Addresses.Contains(h.Addresses.ActiveAddress) {
			h.Addresses.ActiveAddress = address
		}
		h.Reachability = models.ReachabilityOnline
		h.LastPollError = ""
		return true
	})

	if !exists {
		r.pollMu.Lock()
		if r.pollRefCount > 0 {
			r.startPollerLocked(rec)
		}
		r.pollMu.Unlock()
	}

	return rec.snapshot()
}

func isSiteLocalIPv4(address string) bool {
	ip := net.ParseIP(address)
	return ip != nil && ip.To4() != nil && ip.IsPrivate()
}

// probeExternalAddress runs a one-shot STUN binding request to learn this
// client's externally-visible address, recording it against uuid for use
// as a last-resort probe address if the local address stops working.
func (r *Registry) probeExternalAddress(uuid, localAddress string) {
	external, err := stunExternalAddress(3 * time.Second)
	if err != nil {
		r.log.Debug().Str("host", uuid).Err(err).Msg("stun external address probe failed")
		return
	}

	r.mapMu.RLock()
	rec := r.records[uuid]
	r.mapMu.RUnlock()
	if rec == nil {
		return
	}

	changed := rec.mutate(func(h *models.Host) bool {
		if h.Addresses.External == external {
			return false
		}
		h.Addresses.External = external
		return true
	})
	if changed {
		r.persist.requestFlush()
	}
}
