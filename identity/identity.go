// Package identity exposes the client's long-lived keypair and
// self-signed certificate as a process-wide singleton: loaded or
// generated on first use, shared by every caller thereafter.
package identity

import (
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/streamdeck/core/crypto"
)

const (
	privateKeyFileName = "client.key"
	certificateFileName = "client.crt"
)

// Identity is the client's pinned RSA keypair and self-signed certificate.
// It is immutable after first generation; there is no revocation path.
type Identity struct {
	privateKey *rsa.PrivateKey
	certPEM    []byte
}

var (
	mu       sync.Mutex
	instance *Identity
)

// Load returns the process-wide Identity, generating it under keyDir on
// first call. Subsequent calls, with any keyDir, return the same instance.
func Load(keyDir string) (*Identity, error) {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return instance, nil
	}

	privateKey, certPEM, err := crypto.EnsureIdentity(
		filepath.Join(keyDir, privateKeyFileName),
		filepath.Join(keyDir, certificateFileName),
	)
	if err != nil {
		return nil, fmt.Errorf("load client identity: %w", err)
	}

	instance = &Identity{privateKey: privateKey, certPEM: certPEM}
	return instance, nil
}

// CertificatePEM returns the self-signed certificate, PEM-encoded.
func (id *Identity) CertificatePEM() []byte {
	return id.certPEM
}

// PrivateKeyPEM returns the RSA private key, PKCS#1 PEM-encoded.
func (id *Identity) PrivateKeyPEM() ([]byte, error) {
	return crypto.MarshalRSAPrivateKeyPEM(id.privateKey), nil
}

// Sign signs data with SHA-256 under the client private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	return crypto.RSASignSHA256(id.privateKey, data)
}

// PublicKey returns the RSA public key embedded in the certificate.
func (id *Identity) PublicKey() *rsa.PublicKey {
	return &id.privateKey.PublicKey
}

// Fingerprint returns the certificate's SHA-256 fingerprint, hex-encoded.
func (id *Identity) Fingerprint() (string, error) {
	return crypto.CertificateFingerprint(id.certPEM)
}

// reset clears the singleton; it is unexported and has no caller.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
}
