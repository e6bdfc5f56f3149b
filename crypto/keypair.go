// Package crypto is the small capability surface every protocol package
// in this module calls through instead of touching a specific crypto
// library directly: load/generate the client's RSA identity, sign and
// verify with it, and perform the AES-128-ECB operations the GameStream
// pairing handshake mandates.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"
)

const (
	rsaPrivatePEMType = "RSA PRIVATE KEY"
	certPEMType       = "CERTIFICATE"
	rsaKeyBits        = 2048
	certValidityYears = 20
)

// EnsureIdentity loads the client RSA keypair and self-signed certificate
// from disk, generating both on first run. Subsequent calls return the
// same material; the identity is never regenerated once it exists.
func EnsureIdentity(privateKeyPath, certPath string) (*rsa.PrivateKey, []byte, error) {
	privateKey, err := LoadRSAPrivateKey(privateKeyPath)
	if err == nil {
		certPEM, readErr := os.ReadFile(certPath)
		if readErr == nil {
			return privateKey, certPEM, nil
		}
		if !errors.Is(readErr, fs.ErrNotExist) {
			return nil, nil, readErr
		}
		// Key exists but the certificate is missing: regenerate the cert for
		// it rather than discarding a perfectly good private key.
		certPEM, err = generateSelfSignedCert(privateKey)
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			return nil, nil, fmt.Errorf("write identity certificate: %w", err)
		}
		return privateKey, certPEM, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	privateKey, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	if err := SaveRSAPrivateKey(privateKeyPath, privateKey); err != nil {
		return nil, nil, err
	}

	certPEM, err := generateSelfSignedCert(privateKey)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, nil, fmt.Errorf("write identity certificate: %w", err)
	}

	return privateKey, certPEM, nil
}

func generateSelfSignedCert(privateKey *rsa.PrivateKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "NVIDIA GameStream Client",
		},
		NotBefore:             now.AddDate(0, 0, -1),
		NotAfter:              now.AddDate(certValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: certPEMType, Bytes: der}), nil
}

// LoadRSAPrivateKey reads an RSA private key from a PKCS#1 PEM file.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RSA private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode RSA private PEM: no PEM block")
	}
	if block.Type != rsaPrivatePEMType {
		return nil, fmt.Errorf("decode RSA private PEM: unexpected type %q", block.Type)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}

	return key, nil
}

// SaveRSAPrivateKey writes an RSA private key PEM file with 0600 permissions.
func SaveRSAPrivateKey(path string, key *rsa.PrivateKey) error {
	if err := os.WriteFile(path, MarshalRSAPrivateKeyPEM(key), 0o600); err != nil {
		return fmt.Errorf("write RSA private key: %w", err)
	}
	return nil
}

// MarshalRSAPrivateKeyPEM encodes an RSA private key as a PKCS#1 PEM block.
func MarshalRSAPrivateKeyPEM(key *rsa.PrivateKey) []byte {
	block := &pem.Block{
		Type:  rsaPrivatePEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return pem.EncodeToMemory(block)
}

// ParseCertificatePEM decodes a PEM-encoded X.509 certificate.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("decode certificate PEM: no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// CertificateFingerprint returns the SHA-256 hex fingerprint of raw DER bytes.
func CertificateFingerprint(certPEM []byte) (string, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return "", err
	}
	sum := Sha256(cert.Raw)
	return hex.EncodeToString(sum), nil
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
