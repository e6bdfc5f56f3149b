package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/streamdeck/core/discovery"
	"github.com/streamdeck/core/httpclient"
	"github.com/streamdeck/core/models"
)

// discoveryLoop drains the scanner's events and turns resolved hostnames
// into add-host requests; discarded entries are dropped silently, they
// were never added to the registry.
func (r *Registry) discoveryLoop(scanner *discovery.Scanner) {
	defer r.pollWG.Done()
	for ev := range scanner.Events() {
		if ev.Type != discovery.EventHostResolved {
			continue
		}
		address := ev.Entry.ResolvedIPv4
		if address == "" {
			continue
		}
		r.AddHost(address, true, ev.Entry.ResolvedIPv6Global)
	}
}

// startPollerLocked launches a polling worker for rec. Caller must hold
// r.pollMu (via StartPolling); rec itself is locked internally.
func (r *Registry) startPollerLocked(rec *record) {
	ctx, cancel := context.WithCancel(context.Background())
	rec.recMu.Lock()
	if rec.pollCancel != nil {
		rec.recMu.Unlock()
		cancel()
		return
	}
	rec.pollCancel = cancel
	rec.pollDone = make(chan struct{})
	rec.recMu.Unlock()

	r.pollWG.Add(1)
	go r.pollWorker(ctx, rec)
}

func (r *Registry) stopPollerLocked(rec *record) {
	rec.recMu.Lock()
	cancel := rec.pollCancel
	done := rec.pollDone
	rec.pollCancel = nil
	rec.pollDone = nil
	rec.recMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pollWorker is the per-host polling cycle: every PollInterval, fetch
// serverinfo, apply TRIES_BEFORE_OFFLINING before declaring a host
// offline, and refresh the app list on the configured cadence. The
// interval stays fixed regardless of reachability so an offline host is
// retried at the same cadence as an online one.
func (r *Registry) pollWorker(ctx context.Context, rec *record) {
	defer r.pollWG.Done()
	defer close(rec.pollDone)

	interval := r.regCfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		r.pollOnce(ctx, rec)
		timer.Reset(interval)
	}
}

func (r *Registry) pollOnce(ctx context.Context, rec *record) {
	snap := rec.snapshot()

	addresses := snap.Addresses.Unique()
	if len(addresses) == 0 {
		r.recordPollFailure(rec, fmt.Errorf("registry: host %s has no known address", snap.UUID))
		return
	}

	client, err := r.newClientFor(snap)
	if err != nil {
		r.log.Warn().Str("host", snap.UUID).Err(err).Msg("build poll client failed")
		return
	}

	var body, respondingAddress string
	var lastErr error
	for _, addr := range addresses {
		client.SetAddress(addr)
		b, err := client.ServerInfo(ctx, true)
		if err != nil {
			lastErr = err
			continue
		}
		body, respondingAddress = b, addr
		break
	}
	if respondingAddress == "" {
		r.recordPollFailure(rec, lastErr)
		return
	}

	info, parseErr := parseServerInfo(body)
	if parseErr != nil {
		r.recordPollFailure(rec, parseErr)
		return
	}

	if info.UUID != "" && snap.UUID != "" && info.UUID != snap.UUID {
		r.log.Warn().Str("expected", snap.UUID).Str("got", info.UUID).Str("address", respondingAddress).
			Msg("host uuid mismatch on poll, discarding response")
		r.recordPollFailure(rec, fmt.Errorf("registry: address %s answered for a different host uuid", respondingAddress))
		return
	}

	changed := rec.mutate(func(h *models.Host) bool {
		return applyServerInfo(h, info)
	})

	needsAppList := false
	changed = rec.mutate(func(h *models.Host) bool {
		rec.pollCycles++
		wasOffline := h.Reachability != models.ReachabilityOnline
		activeAddressChanged := h.Addresses.ActiveAddress != respondingAddress
		h.Addresses.ActiveAddress = respondingAddress
		h.Reachability = models.ReachabilityOnline
		h.LastPollError = ""
		rec.consecutiveFailures = 0

		refreshDue := rec.pollCycles%maxInt(r.regCfg.AppListRefreshPolls, 1) == 0
		needsAppList = h.PairState == models.PairStatePaired && (len(h.Apps) == 0 || refreshDue)
		return wasOffline || activeAddressChanged || changed
	})

	if needsAppList {
		if apps, err := client.AppList(ctx); err == nil {
			rec.mutate(func(h *models.Host) bool {
				h.Apps = apps
				return true
			})
			changed = true
		}
	}

	if changed {
		r.emit(HostEvent{Kind: EventHostStateChanged, Host: rec.snapshot()})
		r.persist.requestFlush()
	}
}

func (r *Registry) recordPollFailure(rec *record, pollErr error) {
	var changed bool
	rec.mutate(func(h *models.Host) bool {
		rec.consecutiveFailures++
		h.LastPollError = pollErr.Error()
		threshold := r.regCfg.TriesBeforeOfflining
		if threshold <= 0 {
			threshold = 2
		}
		if rec.consecutiveFailures >= threshold && h.Reachability != models.ReachabilityOffline {
			h.Reachability = models.ReachabilityOffline
			changed = true
		}
		return changed
	})
	if changed {
		r.emit(HostEvent{Kind: EventHostStateChanged, Host: rec.snapshot()})
		r.persist.requestFlush()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// serverInfo is the subset of a serverinfo response this module cares
// about.
type serverInfo struct {
	UUID                   string
	Hostname               string
	AppVersion             string
	GPUType                string
	HTTPSPort              int
	ServerCodecModeSupport models.CodecFlag
	MaxLumaPixelsHEVC      int
	CurrentGameID          int
}

func parseServerInfo(body string) (serverInfo, error) {
	resp, err := httpclient.ParseResponse([]byte(body))
	if err != nil {
		return serverInfo{}, err
	}

	var info serverInfo
	info.UUID, _ = resp.Text("uniqueid")
	info.Hostname, _ = resp.Text("hostname")
	info.AppVersion, _ = resp.Text("appversion")
	info.GPUType, _ = resp.Text("GsGpuType")
	if v, ok := resp.Text("HttpsPort"); ok {
		info.HTTPSPort = atoiSafe(v)
	}
	if v, ok := resp.Text("ServerCodecModeSupport"); ok {
		info.ServerCodecModeSupport = models.CodecFlag(uint32(atoiSafe(v)))
	}
	if v, ok := resp.Text("MaxLumaPixelsHEVC"); ok {
		info.MaxLumaPixelsHEVC = atoiSafe(v)
	}
	if v, ok := resp.Text("currentgame"); ok {
		info.CurrentGameID = atoiSafe(v)
	}
	return info, nil
}

func applyServerInfo(h *models.Host, info serverInfo) bool {
	changed := false
	if info.UUID != "" && h.UUID != info.UUID {
		h.UUID = info.UUID
		changed = true
	}
	if !h.HasCustomName && info.Hostname != "" && h.Name != info.Hostname {
		h.Name = info.Hostname
		changed = true
	}
	if h.AppVersion != info.AppVersion {
		h.AppVersion = info.AppVersion
		changed = true
	}
	if h.GPUModel != info.GPUType {
		h.GPUModel = info.GPUType
		changed = true
	}
	if info.HTTPSPort > 0 && h.HTTPSPort != info.HTTPSPort {
		h.HTTPSPort = info.HTTPSPort
		changed = true
	}
	if h.ServerCodecModeSupport != info.ServerCodecModeSupport {
		h.ServerCodecModeSupport = info.ServerCodecModeSupport
		changed = true
	}
	if h.MaxLumaPixelsHEVC != info.MaxLumaPixelsHEVC {
		h.MaxLumaPixelsHEVC = info.MaxLumaPixelsHEVC
		changed = true
	}
	if h.CurrentGameID != info.CurrentGameID {
		h.CurrentGameID = info.CurrentGameID
		changed = true
	}
	return changed
}

func atoiSafe(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		return -n
	}
	return n
}
