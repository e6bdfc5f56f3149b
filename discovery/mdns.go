// Package discovery browses mDNS for GameStream hosts advertising
// `_nvstream._tcp.local.`, resolves each advertised hostname to an
// IPv4 primary address and the best available IPv6 global address,
// and reports the result as a stream of Events the Host Registry
// consumes to drive its add-host path.
package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the GameStream mDNS service name without the
	// domain suffix.
	DefaultService = "_nvstream._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
	// DefaultMaxResolveRetries bounds how many consecutive browse
	// windows an advertised hostname may fail to resolve an address
	// before it is discarded.
	DefaultMaxResolveRetries = 10
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the mDNS scanner's behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	MaxResolveRetries int

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.MaxResolveRetries <= 0 {
		out.MaxResolveRetries = DefaultMaxResolveRetries
	}
	if out.browseFn == nil {
		out.browseFn = defaultBrowse
	}
	return out
}

func defaultBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

var errScannerNotStarted = errors.New("discovery: scanner is not started")
var errScannerStopped = errors.New("discovery: scanner is stopped")

// bestIPv6Global picks the best IPv6 global candidate from addrs,
// excluding link-local (fe80::/10), site-local (fec0::/10), ULA
// (fc00::/7), 6to4 (2002::/16), and Teredo (2001::/32).
func bestIPv6Global(addrs []net.IP) string {
	for _, ip := range addrs {
		if ip == nil || ip.To4() != nil {
			continue
		}
		if isExcludedIPv6(ip) {
			continue
		}
		return ip.String()
	}
	return ""
}

func isExcludedIPv6(ip net.IP) bool {
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	_, siteLocal, _ := net.ParseCIDR("fec0::/10")
	_, ula, _ := net.ParseCIDR("fc00::/7")
	_, sixToFour, _ := net.ParseCIDR("2002::/16")
	_, teredo, _ := net.ParseCIDR("2001::/32")
	for _, block := range []*net.IPNet{siteLocal, ula, sixToFour, teredo} {
		if block != nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

func firstIPv4(addrs []net.IP) string {
	for _, ip := range addrs {
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
