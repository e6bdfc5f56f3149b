// Package httpclient is the per-host GameStream transport: dual
// HTTP/HTTPS XML-over-GET requests, client-certificate mTLS, and
// byte-equal server certificate pinning once a host is paired.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/streamdeck/core/pkg/logging"
)

const (
	// DefaultTimeout bounds most host requests.
	DefaultTimeout = 5 * time.Second
	// DefaultFastFailTimeout is used for serverinfo probes issued by the
	// registry's polling worker, which must not block a poll cycle long.
	DefaultFastFailTimeout = 1500 * time.Millisecond
	// serviceUnavailableRetryDelay is the fixed pause before the single
	// 503 retry attempt (§4.2).
	serviceUnavailableRetryDelay = 5 * time.Second
	// requestsPerSecond bounds the rate of outbound requests a single
	// Client can issue.
	requestsPerSecond = 4
	// defaultHTTPPort is the well-known GameStream plain-HTTP port.
	defaultHTTPPort = 47989
)

// Client is a transport bound to one host address, optional HTTPS port,
// and an optional pinned server certificate. It is safe for concurrent
// use. The registry's polling worker does not reuse a Client across
// iterations; it builds a new one for each poll cycle.
type Client struct {
	mu sync.RWMutex

	address    string
	httpPort   int
	httpsPort  int
	pinnedCert []byte

	clientCert tls.Certificate

	httpClient  *http.Client
	httpsClient *http.Client
	limiter     *rate.Limiter

	log zerolog.Logger
}

// New constructs a Client bound to address, authenticating outbound TLS
// connections with the client's identity certificate/key.
func New(address string, clientCertPEM, clientKeyPEM []byte) (*Client, error) {
	cert, err := tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("httpclient: load client certificate: %w", err)
	}

	c := &Client{
		address:    address,
		httpPort:   defaultHTTPPort,
		clientCert: cert,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		log:        logging.Component("httpclient"),
	}
	c.httpClient = &http.Client{Timeout: DefaultTimeout}
	c.rebuildHTTPSClient()
	return c, nil
}

// SetAddress updates the bound host address.
func (c *Client) SetAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = address
}

// Address returns the bound host address.
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// SetHTTPPort overrides the plain-HTTP port, normally the well-known
// 47989; used by tests that bind a fake host to an ephemeral port.
func (c *Client) SetHTTPPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpPort = port
}

// SetHTTPSPort updates the host-advertised HTTPS port (0 until known).
func (c *Client) SetHTTPSPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpsPort = port
}

// SetServerCert pins the server certificate for byte-equal verification
// on every subsequent HTTPS connection. Passing nil/empty unpins it,
// leaving only the plain HTTP endpoint usable.
func (c *Client) SetServerCert(certPEM []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedCert = append([]byte(nil), certPEM...)
	c.rebuildHTTPSClient()
}

func (c *Client) hasPinnedCert() bool {
	return len(c.pinnedCert) > 0
}

// rebuildHTTPSClient must be called with mu held.
func (c *Client) rebuildHTTPSClient() {
	pinned := c.pinnedCert
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // verified below by byte-equal pin, not PKI
		Certificates:       []tls.Certificate{c.clientCert},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinnedCertificate(rawCerts, pinned)
		},
	}

	c.httpsClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
}

func verifyPinnedCertificate(rawCerts [][]byte, pinnedPEM []byte) error {
	if len(pinnedPEM) == 0 {
		return fmt.Errorf("httpclient: no pinned certificate set, refusing HTTPS connection")
	}
	if len(rawCerts) == 0 {
		return fmt.Errorf("httpclient: peer presented no certificate")
	}

	block, _ := pem.Decode(pinnedPEM)
	if block == nil {
		return fmt.Errorf("httpclient: invalid pinned certificate PEM")
	}

	if !bytes.Equal(rawCerts[0], block.Bytes) {
		return fmt.Errorf("httpclient: peer certificate does not match pinned certificate")
	}
	return nil
}

// ServerInfo issues a serverinfo query, preferring HTTPS with the pinned
// certificate when one is set, falling back to plain HTTP otherwise. On
// HTTP 503 it retries exactly once after a 5-second pause.
func (c *Client) ServerInfo(ctx context.Context, fastFail bool) (string, error) {
	timeout := DefaultTimeout
	if fastFail {
		timeout = DefaultFastFailTimeout
	}

	baseURL, useHTTPS := c.serverInfoBaseURL()
	body, err := c.request(ctx, baseURL, "serverinfo", nil, timeout, useHTTPS)
	if err == nil {
		return body, nil
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Kind != TransportServiceUnavailable {
		return "", err
	}
	c.log.Warn().Str("address", c.Address()).Msg("serverinfo got 503, retrying once after backoff")

	select {
	case <-time.After(serviceUnavailableRetryDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return c.request(ctx, baseURL, "serverinfo", nil, timeout, useHTTPS)
}

func (c *Client) serverInfoBaseURL() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hasPinnedCert() && c.httpsPort > 0 {
		return net.JoinHostPort(c.address, strconv.Itoa(c.httpsPort)), true
	}
	return net.JoinHostPort(c.address, strconv.Itoa(c.httpPort)), false
}

// OpenConnection issues a generic XML-over-GET request against command
// with arguments, over the plain HTTP endpoint.
func (c *Client) OpenConnection(ctx context.Context, command string, args url.Values, timeout time.Duration) (string, error) {
	c.mu.RLock()
	base := net.JoinHostPort(c.address, strconv.Itoa(c.httpPort))
	c.mu.RUnlock()
	return c.request(ctx, base, command, args, timeout, false)
}

// openHTTPS issues an XML-over-GET request against the HTTPS endpoint,
// used once a host is paired.
func (c *Client) openHTTPS(ctx context.Context, command string, args url.Values, timeout time.Duration) (string, error) {
	c.mu.RLock()
	base := net.JoinHostPort(c.address, strconv.Itoa(c.httpsPort))
	c.mu.RUnlock()
	return c.request(ctx, base, command, args, timeout, true)
}

// openHTTPSRaw issues a GET request against the HTTPS endpoint and
// returns the raw response body without parsing it as the XML <root>
// envelope, for binary responses such as box-art images.
func (c *Client) openHTTPSRaw(ctx context.Context, command string, args url.Values, timeout time.Duration) ([]byte, error) {
	c.mu.RLock()
	base := net.JoinHostPort(c.address, strconv.Itoa(c.httpsPort))
	c.mu.RUnlock()
	return c.requestRaw(ctx, base, command, args, timeout, true)
}

// OpenConnectionHTTPS issues a generic XML-over-GET request against the
// HTTPS endpoint, bound by the currently pinned certificate. Used by the
// pairing engine's final pair-challenge stage.
func (c *Client) OpenConnectionHTTPS(ctx context.Context, command string, args url.Values, timeout time.Duration) (string, error) {
	return c.openHTTPS(ctx, command, args, timeout)
}

func (c *Client) request(ctx context.Context, hostPort, command string, args url.Values, timeout time.Duration, useHTTPS bool) (string, error) {
	body, err := c.requestRaw(ctx, hostPort, command, args, timeout, useHTTPS)
	if err != nil {
		return "", err
	}
	if _, err := parseRoot(body); err != nil {
		return "", err
	}
	return string(body), nil
}

// requestRaw issues the GET request and returns the raw response body
// without attempting to parse it as the XML <root> envelope; used for
// binary responses such as box-art images.
func (c *Client) requestRaw(ctx context.Context, hostPort, command string, args url.Values, timeout time.Duration, useHTTPS bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("httpclient: rate limit wait: %w", err)
	}

	scheme := "http"
	client := c.httpClient
	if useHTTPS {
		scheme = "https"
		client = c.httpsClient
	}

	q := url.Values{}
	for k, v := range args {
		q[k] = v
	}
	u := url.URL{Scheme: scheme, Host: hostPort, Path: "/" + command, RawQuery: q.Encode()}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Kind: TransportUnknown, Message: "read response body", Err: err}
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, &TransportError{Kind: TransportServiceUnavailable, Message: "host reported 503"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HostProtocolError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	return body, nil
}

func classifyTransportError(err error) *TransportError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: TransportTimeout, Message: "request timed out", Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Kind: TransportDNS, Message: "dns resolution failed", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransportError{Kind: TransportConnectionReset, Message: "connection failed", Err: err}
	}
	return &TransportError{Kind: TransportUnknown, Message: "transport failure", Err: err}
}
