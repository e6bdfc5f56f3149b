package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/streamdeck/core/models"
)

// EventType identifies a Scanner update.
type EventType string

const (
	// EventHostResolved fires once an advertised hostname resolves to at
	// least one address, promoting it to a host-add request.
	EventHostResolved EventType = "host_resolved"
	// EventHostDiscarded fires when a hostname exhausts MaxResolveRetries
	// browse windows without ever resolving an address.
	EventHostDiscarded EventType = "host_discarded"
)

// Event carries a discovery update for the Host Registry to consume.
type Event struct {
	Type  EventType
	Entry models.DiscoveryEntry
}

// Scanner browses `_nvstream._tcp.local.` for GameStream hosts on a
// timer, resolving each advertised hostname to an IPv4 primary address
// and the best IPv6 global candidate. A hostname that fails to resolve
// across MaxResolveRetries consecutive browse windows is discarded.
type Scanner struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*models.DiscoveryEntry

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner constructs a Scanner with config defaults applied.
func NewScanner(cfg Config) (*Scanner, error) {
	cfg = cfg.withDefaults()
	return &Scanner{
		cfg:     cfg,
		pending: make(map[string]*models.DiscoveryEntry),
		events:  make(chan Event, 64),
	}, nil
}

// Start begins background browsing. Safe to call once; subsequent calls
// are no-ops.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop halts browsing and closes the Events channel. Any goroutine
// blocked resolving addresses is released promptly via context
// cancellation, so no resolver is ever leaked.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events returns the channel of discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				seen[entry.HostName] = struct{}{}
				s.observe(entry)
			}
		}
	}()

	if err := s.cfg.browseFn(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		<-done
		return
	}

	<-scanCtx.Done()
	<-done

	s.ageOutMissing(seen)
}

// observe records a browse-window sighting of hostname. It either
// promotes the entry (resolved >=1 address) or bumps its retry counter.
func (s *Scanner) observe(entry *zeroconf.ServiceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	de := s.pending[entry.HostName]
	if de == nil {
		de = &models.DiscoveryEntry{Hostname: entry.HostName, Port: entry.Port}
	}
	de.LastSeen = time.Now()

	ipv4 := firstIPv4(entry.AddrIPv4)
	ipv6 := bestIPv6Global(entry.AddrIPv6)

	if ipv4 == "" {
		de.Retries++
		if de.Retries >= s.cfg.MaxResolveRetries {
			delete(s.pending, entry.HostName)
			s.emit(Event{Type: EventHostDiscarded, Entry: *de})
			return
		}
		s.pending[entry.HostName] = de
		return
	}

	de.ResolvedIPv4 = ipv4
	de.ResolvedIPv6Global = ipv6
	delete(s.pending, entry.HostName)
	s.emit(Event{Type: EventHostResolved, Entry: *de})
}

// ageOutMissing bumps the retry counter for any pending hostname that
// was not advertised at all during this browse window.
func (s *Scanner) ageOutMissing(seen map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hostname, de := range s.pending {
		if _, ok := seen[hostname]; ok {
			continue
		}
		de.Retries++
		if de.Retries >= s.cfg.MaxResolveRetries {
			delete(s.pending, hostname)
			s.emit(Event{Type: EventHostDiscarded, Entry: *de})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}
