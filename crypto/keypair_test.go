package crypto

import (
	"path/filepath"
	"testing"
)

func TestEnsureIdentityGeneratesOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "client.key")
	certPath := filepath.Join(dir, "client.crt")

	privateKey, certPEM, err := EnsureIdentity(keyPath, certPath)
	if err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}
	if privateKey == nil {
		t.Fatal("expected non-nil private key")
	}
	if len(certPEM) == 0 {
		t.Fatal("expected non-empty certificate PEM")
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		t.Fatalf("ParseCertificatePEM: %v", err)
	}
	if cert.PublicKey == nil {
		t.Fatal("expected certificate public key")
	}
}

func TestEnsureIdentityIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "client.key")
	certPath := filepath.Join(dir, "client.crt")

	_, firstCert, err := EnsureIdentity(keyPath, certPath)
	if err != nil {
		t.Fatalf("EnsureIdentity (first): %v", err)
	}

	_, secondCert, err := EnsureIdentity(keyPath, certPath)
	if err != nil {
		t.Fatalf("EnsureIdentity (second): %v", err)
	}

	if string(firstCert) != string(secondCert) {
		t.Fatal("expected identity certificate to be stable across calls")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcd1234ef")
	want := "ABCD 1234 EF"
	if got != want {
		t.Fatalf("FormatFingerprint() = %q, want %q", got, want)
	}
}
