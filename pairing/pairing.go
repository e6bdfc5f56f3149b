// Package pairing implements the five-stage GameStream pairing
// handshake: a protocol state machine that simultaneously verifies
// knowledge of a short user-entered PIN and exchanges the long-lived
// certificate material a Client pins for every subsequent HTTPS
// connection to that host.
package pairing

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/streamdeck/core/crypto"
	"github.com/streamdeck/core/httpclient"
	"github.com/streamdeck/core/identity"
	"github.com/streamdeck/core/pkg/logging"
)

// Result is the terminal outcome of a pairing attempt.
type Result int

const (
	// FAILED covers every unexpected protocol or transport condition.
	FAILED Result = iota
	PAIRED
	PIN_WRONG
	ALREADY_IN_PROGRESS
)

func (r Result) String() string {
	switch r {
	case PAIRED:
		return "PAIRED"
	case PIN_WRONG:
		return "PIN_WRONG"
	case ALREADY_IN_PROGRESS:
		return "ALREADY_IN_PROGRESS"
	default:
		return "FAILED"
	}
}

// ErrProtocolState is returned (wrapped) when a pairing stage's response
// does not carry the expected leaves, or the host reports it is not
// paired when this stage requires it.
var ErrProtocolState = errors.New("pairing: unexpected protocol state")

const (
	saltLength         = 16
	challengeLength    = 16
	clientSecretLength = 16
)

// Session carries the state accumulated across the five handshake
// round-trips. A Session is single-use; construct one per attempt with
// New.
type Session struct {
	client   *httpclient.Client
	identity *identity.Identity
	hashAlgo crypto.HashAlgorithm
	pin      string
	log      zerolog.Logger

	aesKey []byte

	clientChallenge []byte // C
	serverChallenge []byte
	serverResponse  []byte

	clientSecret []byte // S

	clientCertSignature []byte
	serverCert          []byte
	serverCertSignature []byte
}

// HostGenerationFromAppVersion derives the protocol generation from a
// host's dotted appversion string, used to pick the pairing hash
// algorithm. Generation is the major version component.
func HostGenerationFromAppVersion(appVersion string) int {
	v := httpclient.ParseVersion(appVersion)
	if len(v) == 0 {
		return 0
	}
	return v[0]
}

// New constructs a pairing Session bound to client and the local
// identity, for a host reporting the given protocol generation.
func New(client *httpclient.Client, id *identity.Identity, hostGeneration int, pin string) *Session {
	return &Session{
		client:   client,
		identity: id,
		hashAlgo: crypto.HashAlgorithmForServerGeneration(hostGeneration),
		pin:      pin,
		log:      logging.Component("pairing"),
	}
}

// Run drives the full five-stage handshake and returns the pairing
// outcome. On PAIRED, the returned certificate is the pinned server
// certificate the caller must persist on the host record; the Client
// passed to New is left with that certificate pinned for HTTPS use.
func (s *Session) Run(ctx context.Context) (Result, []byte, error) {
	result, err := s.runStages(ctx)
	if result == PIN_WRONG || result == FAILED || result == ALREADY_IN_PROGRESS {
		// Best-effort cleanup: a half-completed pairing must not leave
		// the host believing it is paired with us.
		if _, unpairErr := s.client.OpenConnection(ctx, "unpair", nil, httpclient.DefaultTimeout); unpairErr != nil {
			s.log.Warn().Err(unpairErr).Msg("best-effort unpair after failed pairing attempt did not complete")
		}
	}
	return result, s.serverCert, err
}

func (s *Session) runStages(ctx context.Context) (Result, error) {
	if result, err := s.getServerCert(ctx); result != PAIRED {
		return result, err
	}
	if result, err := s.challenge(ctx); result != PAIRED {
		return result, err
	}
	if result, err := s.challengeResponse(ctx); result != PAIRED {
		return result, err
	}
	if result, err := s.clientSecretStage(ctx); result != PAIRED {
		return result, err
	}
	return s.pairChallenge(ctx)
}

func requirePaired(resp httpclient.Response) error {
	paired, ok := resp.Text("paired")
	if !ok || paired != "1" {
		return fmt.Errorf("pairing: %w: host did not report paired=1", ErrProtocolState)
	}
	return nil
}

// getServerCert is stage 1: derive the AES key from a fresh salt and
// the PIN, submit the client certificate, and receive/pin the host's
// certificate.
func (s *Session) getServerCert(ctx context.Context) (Result, error) {
	salt, err := crypto.RandomBytes(saltLength)
	if err != nil {
		return FAILED, err
	}
	s.aesKey = crypto.Hash(s.hashAlgo, append(salt, []byte(s.pin)...))[:16]

	clientCertPEM := s.identity.CertificatePEM()
	clientCert, err := crypto.ParseCertificatePEM(clientCertPEM)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: parse client certificate: %w", err)
	}
	s.clientCertSignature = clientCert.Signature

	args := url.Values{
		"phrase":     {"getservercert"},
		"salt":       {hex.EncodeToString(salt)},
		"clientcert": {hex.EncodeToString(clientCertPEM)},
	}

	body, err := s.client.OpenConnection(ctx, "pair", args, httpclient.DefaultTimeout)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: get-server-cert request: %w", err)
	}

	resp, err := httpclient.ParseResponse([]byte(body))
	if err != nil {
		return FAILED, err
	}
	if err := requirePaired(resp); err != nil {
		return FAILED, err
	}

	plainCertHex, ok := resp.Text("plaincert")
	if !ok {
		return ALREADY_IN_PROGRESS, fmt.Errorf("pairing: %w: another pairing is already in progress", ErrProtocolState)
	}

	serverCertPEM, err := hex.DecodeString(plainCertHex)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: decode server certificate: %w", err)
	}

	serverCert, err := crypto.ParseCertificatePEM(serverCertPEM)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: parse server certificate: %w", err)
	}
	s.serverCert = serverCertPEM
	s.serverCertSignature = serverCert.Signature

	s.client.SetServerCert(s.serverCert)
	return PAIRED, nil
}

// challenge is stage 2: exchange an encrypted client challenge for the
// server's encrypted response, split into serverResponse and
// serverChallenge.
func (s *Session) challenge(ctx context.Context) (Result, error) {
	c, err := crypto.RandomBytes(challengeLength)
	if err != nil {
		return FAILED, err
	}
	s.clientChallenge = c

	encrypted, err := crypto.AES128ECBEncrypt(s.aesKey, c)
	if err != nil {
		return FAILED, err
	}

	args := url.Values{"clientchallenge": {hex.EncodeToString(encrypted)}}
	body, err := s.client.OpenConnection(ctx, "pair", args, httpclient.DefaultTimeout)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: challenge request: %w", err)
	}

	resp, err := httpclient.ParseResponse([]byte(body))
	if err != nil {
		return FAILED, err
	}
	if err := requirePaired(resp); err != nil {
		return FAILED, err
	}

	encryptedResponse, ok, err := resp.Hex("challengeresponse")
	if err != nil {
		return FAILED, err
	}
	if !ok {
		return FAILED, fmt.Errorf("pairing: %w: missing challengeresponse", ErrProtocolState)
	}

	decrypted, err := crypto.AES128ECBDecrypt(s.aesKey, encryptedResponse)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: decrypt challenge response: %w", err)
	}

	hashLen := s.hashAlgo.Length()
	if len(decrypted) < hashLen+challengeLength {
		return FAILED, fmt.Errorf("pairing: %w: challenge response too short", ErrProtocolState)
	}

	s.serverResponse = decrypted[:hashLen]
	s.serverChallenge = decrypted[hashLen : hashLen+challengeLength]
	return PAIRED, nil
}

// challengeResponse is stage 3: prove possession of the client private
// key and the PIN together, then verify the server's answering
// signature against its pinned certificate (rejecting MITM) and its
// knowledge of the PIN (rejecting a wrong PIN).
func (s *Session) challengeResponse(ctx context.Context) (Result, error) {
	secret, err := crypto.RandomBytes(clientSecretLength)
	if err != nil {
		return FAILED, err
	}
	s.clientSecret = secret

	m := concat(s.serverChallenge, s.clientCertSignature, s.clientSecret)
	mHash := crypto.Hash(s.hashAlgo, m)
	padded := padTo(mHash, 32)

	encrypted, err := crypto.AES128ECBEncrypt(s.aesKey, padded)
	if err != nil {
		return FAILED, err
	}

	args := url.Values{"serverchallengeresp": {hex.EncodeToString(encrypted)}}
	body, err := s.client.OpenConnection(ctx, "pair", args, httpclient.DefaultTimeout)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: challenge-response request: %w", err)
	}

	resp, err := httpclient.ParseResponse([]byte(body))
	if err != nil {
		return FAILED, err
	}
	if err := requirePaired(resp); err != nil {
		return FAILED, err
	}

	pairingSecret, ok, err := resp.Hex("pairingsecret")
	if err != nil {
		return FAILED, err
	}
	if !ok {
		return FAILED, fmt.Errorf("pairing: %w: missing pairingsecret", ErrProtocolState)
	}
	if len(pairingSecret) <= clientSecretLength {
		return FAILED, fmt.Errorf("pairing: %w: pairingsecret too short", ErrProtocolState)
	}

	serverSecret := pairingSecret[:clientSecretLength]
	serverSignature := pairingSecret[clientSecretLength:]

	serverCert, err := crypto.ParseCertificatePEM(s.serverCert)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: parse pinned server certificate: %w", err)
	}
	serverPublicKey, ok := serverCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return FAILED, fmt.Errorf("pairing: %w: server certificate does not use an RSA public key", ErrProtocolState)
	}

	if err := crypto.RSAVerifySHA256(serverPublicKey, serverSecret, serverSignature); err != nil {
		return FAILED, fmt.Errorf("pairing: %w: server signature verification failed: %v", ErrProtocolState, err)
	}

	expected := crypto.Hash(s.hashAlgo, concat(s.clientChallenge, s.serverCertSignature, serverSecret))
	if !bytes.Equal(expected, s.serverResponse) {
		return PIN_WRONG, fmt.Errorf("pairing: PIN mismatch")
	}

	return PAIRED, nil
}

// clientSecretStage is stage 4: send the client secret and its
// signature so the host can perform the mirrored verification.
func (s *Session) clientSecretStage(ctx context.Context) (Result, error) {
	signature, err := s.identity.Sign(s.clientSecret)
	if err != nil {
		return FAILED, err
	}

	payload := concat(s.clientSecret, signature)
	args := url.Values{"clientpairingsecret": {hex.EncodeToString(payload)}}
	body, err := s.client.OpenConnection(ctx, "pair", args, httpclient.DefaultTimeout)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: client-secret request: %w", err)
	}

	resp, err := httpclient.ParseResponse([]byte(body))
	if err != nil {
		return FAILED, err
	}
	if err := requirePaired(resp); err != nil {
		return FAILED, err
	}
	return PAIRED, nil
}

// pairChallenge is stage 5: confirm the now-pinned certificate
// authenticates the HTTPS channel.
func (s *Session) pairChallenge(ctx context.Context) (Result, error) {
	args := url.Values{"phrase": {"pairchallenge"}}
	body, err := s.client.OpenConnectionHTTPS(ctx, "pair", args, httpclient.DefaultTimeout)
	if err != nil {
		return FAILED, fmt.Errorf("pairing: pair-challenge request: %w", err)
	}

	resp, err := httpclient.ParseResponse([]byte(body))
	if err != nil {
		return FAILED, err
	}
	if err := requirePaired(resp); err != nil {
		return FAILED, err
	}
	return PAIRED, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func padTo(data []byte, size int) []byte {
	if len(data) >= size {
		return data[:size]
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}
