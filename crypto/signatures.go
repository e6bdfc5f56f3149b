package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
)

// HashAlgorithm identifies the pairing hash/signature digest in use.
type HashAlgorithm int

const (
	// HashSHA1 is used against host generations older than 7.
	HashSHA1 HashAlgorithm = iota
	// HashSHA256 is used against host generation 7 and newer.
	HashSHA256
)

// Length returns the digest length in bytes for the algorithm.
func (h HashAlgorithm) Length() int {
	switch h {
	case HashSHA256:
		return sha256.Size
	default:
		return sha1.Size
	}
}

// HashAlgorithmForServerGeneration picks SHA-256 for generation >= 7, else SHA-1.
func HashAlgorithmForServerGeneration(generation int) HashAlgorithm {
	if generation >= 7 {
		return HashSHA256
	}
	return HashSHA1
}

// Hash digests data with the given algorithm.
func Hash(algo HashAlgorithm, data []byte) []byte {
	switch algo {
	case HashSHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	default:
		sum := sha1.Sum(data)
		return sum[:]
	}
}

// Sha256 digests data with SHA-256; used for certificate fingerprints,
// independent of the negotiated pairing hash algorithm.
func Sha256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return buf, nil
}

// RSASignSHA256 signs data with PKCS#1 v1.5 RSA-SHA256.
func RSASignSHA256(privateKey *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("rsa sign sha256: %w", err)
	}
	return signature, nil
}

// RSAVerifySHA256 verifies a PKCS#1 v1.5 RSA-SHA256 signature under publicKey.
func RSAVerifySHA256(publicKey *rsa.PublicKey, data, signature []byte) error {
	if publicKey == nil {
		return errors.New("rsa verify sha256: public key is required")
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("rsa verify sha256: %w", err)
	}
	return nil
}
