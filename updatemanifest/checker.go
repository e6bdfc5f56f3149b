package updatemanifest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdeck/core/pkg/logging"
)

const (
	// uncProbeTimeout matches the 200ms fast-fail port-445 probe
	// AutoUpdateChecker::start() performs before reading a local update
	// manifest that lives behind a UNC path (§5).
	uncProbeTimeout = 200 * time.Millisecond
	smbPort         = 445
)

// Platform returns the client's platform identifier for manifest entry
// selection, matching AutoUpdateChecker::getPlatform(). Go's runtime.GOOS
// values line up with the manifest's platform strings for every target
// this module cares about, except darwin which the original renames.
func Platform() string {
	if runtime.GOOS == "darwin" {
		return "osx"
	}
	return runtime.GOOS
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher retrieves manifest bytes from a location that is either an
// HTTP(S) URL or a local/UNC file path, matching AutoUpdateChecker::start's
// branch on whether the configured update-subscription URL has a scheme.
type Fetcher struct {
	HTTPClient httpDoer
	log        zerolog.Logger
}

// NewFetcher builds a Fetcher with a bounded-timeout HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		log:        logging.Component("updatemanifest"),
	}
}

// Fetch reads the manifest at location, probing port 445 first when
// location is a UNC path.
func (f *Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		return f.fetchLocalFile(location)
	}
	return f.fetchHTTP(ctx, location)
}

func (f *Fetcher) fetchLocalFile(path string) ([]byte, error) {
	if host := uncHost(path); host != "" {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(smbPort)), uncProbeTimeout)
		if err != nil {
			f.log.Warn().Str("host", host).Err(err).Msg("update host unreachable, failing fast")
			return nil, fmt.Errorf("updatemanifest: update host %s unreachable: %w", host, err)
		}
		conn.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("updatemanifest: read local manifest: %w", err)
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("updatemanifest: build request: %w", err)
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("updatemanifest: fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("updatemanifest: manifest request returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("updatemanifest: read manifest response: %w", err)
	}
	return body, nil
}

// uncHost extracts the host component of a UNC path (\\host\share\... or
// //host/share/...), returning "" for an ordinary local path.
func uncHost(path string) string {
	normalized := strings.ReplaceAll(path, `\`, `/`)
	if !strings.HasPrefix(normalized, "//") {
		return ""
	}
	rest := strings.TrimPrefix(normalized, "//")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Result is the outcome of a manifest check.
type Result struct {
	Available  bool
	Version    string
	BrowserURL string
}

// Checker ties a Fetcher to the running client's identity for the
// purpose of a single update check.
type Checker struct {
	Fetcher        *Fetcher
	CurrentVersion string
	Arch           string
	KernelVersion  string
}

// Check fetches and evaluates the manifest at location against the
// running client's platform/arch/version, matching
// AutoUpdateChecker::onUpdateManifestReceived's selection and compare.
func (c *Checker) Check(ctx context.Context, location string) (Result, error) {
	data, err := c.Fetcher.Fetch(ctx, location)
	if err != nil {
		return Result{}, err
	}

	entries, err := ParseManifest(data)
	if err != nil {
		return Result{}, err
	}

	entry, ok := SelectEntry(entries, Platform(), c.Arch, c.KernelVersion)
	if !ok {
		return Result{}, fmt.Errorf("updatemanifest: no manifest entry for platform=%s arch=%s", Platform(), c.Arch)
	}

	return Result{
		Available:  IsNewer(c.CurrentVersion, entry.Version),
		Version:    entry.Version,
		BrowserURL: entry.BrowserURL,
	}, nil
}
