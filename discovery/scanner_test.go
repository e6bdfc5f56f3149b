package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func fakeBrowse(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		go func() {
			for _, e := range entries {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
			<-ctx.Done()
		}()
		return nil
	}
}

func TestScannerResolvesHostWithIPv4Address(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		HostName: "gamestream-host.local.",
		Port:     47989,
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.50")},
		AddrIPv6: []net.IP{net.ParseIP("2001:db8::1")},
	}

	cfg := Config{ScanTimeout: 50 * time.Millisecond, RefreshInterval: time.Hour, browseFn: fakeBrowse(entry)}
	s, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case ev := <-s.Events():
		if ev.Type != EventHostResolved {
			t.Fatalf("got event type %v, want EventHostResolved", ev.Type)
		}
		if ev.Entry.ResolvedIPv4 != "192.168.1.50" {
			t.Fatalf("ResolvedIPv4 = %q", ev.Entry.ResolvedIPv4)
		}
		if ev.Entry.ResolvedIPv6Global != "2001:db8::1" {
			t.Fatalf("ResolvedIPv6Global = %q", ev.Entry.ResolvedIPv6Global)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolved event")
	}
}

func TestScannerDiscardsAfterMaxRetries(t *testing.T) {
	entry := &zeroconf.ServiceEntry{HostName: "unreachable.local.", Port: 47989}

	cfg := Config{
		ScanTimeout:       10 * time.Millisecond,
		RefreshInterval:   15 * time.Millisecond,
		MaxResolveRetries: 3,
		browseFn:          fakeBrowse(entry),
	}
	s, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case ev := <-s.Events():
		if ev.Type != EventHostDiscarded {
			t.Fatalf("got event type %v, want EventHostDiscarded", ev.Type)
		}
		if ev.Entry.Retries < 3 {
			t.Fatalf("Retries = %d, want >= 3", ev.Entry.Retries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discarded event")
	}
}

func TestBestIPv6GlobalExcludesReservedRanges(t *testing.T) {
	cases := []struct {
		name string
		ip   string
		want bool // want an address returned
	}{
		{"link-local", "fe80::1", false},
		{"site-local", "fec0::1", false},
		{"ula", "fc00::1", false},
		{"6to4", "2002::1", false},
		{"teredo", "2001::1", false},
		{"global", "2001:db8::1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := bestIPv6Global([]net.IP{net.ParseIP(tc.ip)})
			if tc.want && got == "" {
				t.Fatalf("expected a global address for %s, got none", tc.ip)
			}
			if !tc.want && got != "" {
				t.Fatalf("expected %s to be excluded, got %q", tc.ip, got)
			}
		})
	}
}

func TestFirstIPv4SkipsIPv6(t *testing.T) {
	addrs := []net.IP{net.ParseIP("2001:db8::1"), net.ParseIP("10.0.0.5")}
	if got := firstIPv4(addrs); got != "10.0.0.5" {
		t.Fatalf("firstIPv4 = %q, want 10.0.0.5", got)
	}
}
