// Package registry owns the set of known GameStream hosts and the
// background work that keeps them current: mDNS discovery, per-host
// liveness polling, pairing, and crash-safe persistence.
package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamdeck/core/discovery"
	"github.com/streamdeck/core/httpclient"
	"github.com/streamdeck/core/identity"
	"github.com/streamdeck/core/models"
	"github.com/streamdeck/core/persistence"
	"github.com/streamdeck/core/pkg/config"
	"github.com/streamdeck/core/pkg/logging"
)

// Registry is the Host Registry: a UUID-keyed map of records, the
// mDNS scanner feeding it, one polling worker per active host, and the
// persistence worker durably saving it.
type Registry struct {
	regCfg  config.RegistryConfig
	discCfg config.DiscoveryConfig
	id      *identity.Identity

	store *persistence.Store

	mapMu   sync.RWMutex
	records map[string]*record

	events chan HostEvent

	scanner *discovery.Scanner

	pollRefCount int32
	pollMu       sync.Mutex
	stopCh       chan struct{}
	pollWG       sync.WaitGroup

	persist *persistenceWorker

	tasks sync.WaitGroup

	log zerolog.Logger
}

// New constructs a Registry, loading any previously persisted hosts.
func New(regCfg config.RegistryConfig, discCfg config.DiscoveryConfig, id *identity.Identity, store *persistence.Store) (*Registry, error) {
	hosts, err := store.LoadHosts()
	if err != nil {
		return nil, fmt.Errorf("registry: load persisted hosts: %w", err)
	}

	r := &Registry{
		regCfg:  regCfg,
		discCfg: discCfg,
		id:      id,
		store:   store,
		records: make(map[string]*record, len(hosts)),
		events:  make(chan HostEvent, 128),
		log:     logging.Component("registry"),
	}

	for _, h := range hosts {
		r.records[h.UUID] = &record{host: h}
	}
	r.persist = newPersistenceWorker(store, r)

	return r, nil
}

// Events returns the channel of host lifecycle events.
func (r *Registry) Events() <-chan HostEvent {
	return r.events
}

// GetHosts returns a snapshot of every known host, sorted by
// lower-cased name (stable).
func (r *Registry) GetHosts() []models.Host {
	r.mapMu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mapMu.RUnlock()

	out := make([]models.Host, len(recs))
	for i, rec := range recs {
		out[i] = rec.snapshot()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// GeneratePINString returns a four-digit, zero-padded, cryptographically
// random PIN.
func GeneratePINString() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// crypto/rand failing is unrecoverable; fall back to the
		// midpoint rather than panic, matching this module's policy of
		// never unwinding a caller for an ambient system failure.
		n = big.NewInt(5000)
	}
	return fmt.Sprintf("%04d", n.Int64())
}

// StartPolling begins mDNS discovery and per-host polling. Refcounted:
// only the first call actually starts anything; a matching
// StopPollingAsync is required per StartPolling call.
func (r *Registry) StartPolling() error {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	if atomic.AddInt32(&r.pollRefCount, 1) != 1 {
		return nil
	}

	r.stopCh = make(chan struct{})

	scanner, err := discovery.NewScanner(discovery.Config{
		Service:           r.discCfg.Service,
		Domain:            r.discCfg.Domain,
		RefreshInterval:   r.discCfg.RefreshInterval,
		ScanTimeout:       r.discCfg.ScanTimeout,
		MaxResolveRetries: r.discCfg.MaxRetries,
	})
	if err != nil {
		atomic.AddInt32(&r.pollRefCount, -1)
		return fmt.Errorf("registry: create mdns scanner: %w", err)
	}
	if err := scanner.Start(); err != nil {
		atomic.AddInt32(&r.pollRefCount, -1)
		return fmt.Errorf("registry: start mdns scanner: %w", err)
	}
	r.scanner = scanner
	r.pollWG.Add(1)
	go r.discoveryLoop(scanner)

	r.persist.start()

	r.mapMu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mapMu.RUnlock()
	for _, rec := range recs {
		r.startPollerLocked(rec)
	}

	return nil
}

// StopPollingAsync tears down discovery, polling, and persistence once
// the last outstanding StartPolling caller stops. The teardown itself
// runs synchronously from the caller's perspective by the time this
// returns; "Async" describes the source's naming convention for
// operations that used to hand off to a dedicated worker.
func (r *Registry) StopPollingAsync() {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	if atomic.AddInt32(&r.pollRefCount, -1) != 0 {
		return
	}

	close(r.stopCh)
	if r.scanner != nil {
		r.scanner.Stop()
	}

	r.mapMu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mapMu.RUnlock()
	for _, rec := range recs {
		r.stopPollerLocked(rec)
	}

	r.pollWG.Wait()
	r.persist.stop()
}

// Shutdown waits for outstanding async tasks (add/pair/quit/delete) to
// finish. Call after StopPollingAsync during process teardown.
func (r *Registry) Shutdown() {
	r.tasks.Wait()
}

func (r *Registry) emit(ev HostEvent) {
	select {
	case r.events <- ev:
	default:
		r.log.Warn().Str("kind", string(ev.Kind)).Msg("event channel full, dropping event")
	}
}

// newClientFor builds an httpclient.Client bound to a host's active
// address, pinned with its stored server certificate if it has one.
func (r *Registry) newClientFor(h models.Host) (*httpclient.Client, error) {
	keyPEM, err := r.id.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	c, err := httpclient.New(h.Addresses.ActiveAddress, r.id.CertificatePEM(), keyPEM)
	if err != nil {
		return nil, err
	}
	if h.HTTPSPort > 0 {
		c.SetHTTPSPort(h.HTTPSPort)
	}
	if len(h.ServerCert) > 0 {
		c.SetServerCert(h.ServerCert)
	}
	return c, nil
}

func newPairingClient(id *identity.Identity, address string) (*httpclient.Client, error) {
	keyPEM, err := id.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	return httpclient.New(address, id.CertificatePEM(), keyPEM)
}

// uuidOrNew returns hostUUID if it looks like a UUID, otherwise mints a
// fresh one. addHost calls it on a non-empty serverinfo uniqueid, so
// only a value that does not parse as a UUID is replaced.
func uuidOrNew(hostUUID string) string {
	if _, err := uuid.Parse(hostUUID); err == nil {
		return hostUUID
	}
	return uuid.NewString()
}
