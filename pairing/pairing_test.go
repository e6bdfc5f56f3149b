package pairing

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/streamdeck/core/crypto"
	"github.com/streamdeck/core/httpclient"
	"github.com/streamdeck/core/identity"
)

const testPIN = "1234"
const testHostGeneration = 7 // SHA-256 hashAlgo, matching hashLen 32 used below.

var (
	testIdentityOnce sync.Once
	testIdentityVal  *identity.Identity
)

// testClientIdentity returns a process-wide test identity, independent
// of any real on-disk client identity, generated once per test binary.
func testClientIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	testIdentityOnce.Do(func() {
		dir, err := os.MkdirTemp("", "pairing-test-identity")
		if err != nil {
			panic(fmt.Sprintf("make test identity dir: %v", err))
		}
		id, err := identity.Load(dir)
		if err != nil {
			panic(fmt.Sprintf("load test identity: %v", err))
		}
		testIdentityVal = id
	})
	return testIdentityVal
}

// genSelfSignedCert generates a throwaway RSA keypair and self-signed
// certificate standing in for a host's pairing certificate.
func genSelfSignedCert(t *testing.T) (*rsa.PrivateKey, []byte, *x509.Certificate) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pairing-fake-host"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return priv, certPEM, cert
}

// fakeHost simulates the host side of the pairing handshake so the
// Session's five stages can be exercised end to end without a real
// GameStream host.
type fakeHost struct {
	pin            string
	hostGeneration int
	priv           *rsa.PrivateKey
	certPEM        []byte
	cert           *x509.Certificate

	// omitPlainCert simulates a pairing attempt already in progress.
	omitPlainCert bool
	// wrongResponseHash makes the phase-2 response hash fail to match
	// what the client independently derives in stage 3, simulating a
	// wrong PIN.
	wrongResponseHash bool
	// signWithWrongKey, if set, signs the phase-3 secret with a key
	// other than the one backing the pinned server certificate,
	// simulating a MITM that cannot produce a valid signature.
	signWithWrongKey *rsa.PrivateKey

	salt          []byte
	hostChallenge []byte
	hostSecret    []byte

	receivedClientCertHex string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	priv, certPEM, cert := genSelfSignedCert(t)

	hostChallenge, err := crypto.RandomBytes(16)
	if err != nil {
		t.Fatalf("generate host challenge: %v", err)
	}
	hostSecret, err := crypto.RandomBytes(16)
	if err != nil {
		t.Fatalf("generate host secret: %v", err)
	}

	return &fakeHost{
		pin:            testPIN,
		hostGeneration: testHostGeneration,
		priv:           priv,
		certPEM:        certPEM,
		cert:           cert,
		hostChallenge:  hostChallenge,
		hostSecret:     hostSecret,
	}
}

func (h *fakeHost) mux() *http.ServeMux {
	hashAlgo := crypto.HashAlgorithmForServerGeneration(h.hostGeneration)

	mux := http.NewServeMux()
	mux.HandleFunc("/pair", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		switch {
		case q.Get("phrase") == "getservercert":
			h.receivedClientCertHex = q.Get("clientcert")
			salt, err := hex.DecodeString(q.Get("salt"))
			if err != nil {
				http.Error(w, "bad salt", http.StatusBadRequest)
				return
			}
			h.salt = salt

			if h.omitPlainCert {
				writeRoot(w, nil)
				return
			}
			writeRoot(w, map[string]string{"plaincert": hex.EncodeToString(h.certPEM)})

		case q.Get("clientchallenge") != "":
			aesKey := crypto.Hash(hashAlgo, append(append([]byte{}, h.salt...), []byte(h.pin)...))[:16]
			encrypted, err := hex.DecodeString(q.Get("clientchallenge"))
			if err != nil {
				http.Error(w, "bad clientchallenge", http.StatusBadRequest)
				return
			}
			clientChallenge, err := crypto.AES128ECBDecrypt(aesKey, encrypted)
			if err != nil {
				http.Error(w, "decrypt clientchallenge", http.StatusBadRequest)
				return
			}

			var responseHash []byte
			if h.wrongResponseHash {
				responseHash = crypto.Hash(hashAlgo, []byte("does not match what the client expects"))
			} else {
				responseHash = crypto.Hash(hashAlgo, concat(clientChallenge, h.cert.Signature, h.hostSecret))
			}
			combined := concat(responseHash, h.hostChallenge)
			encryptedResponse, err := crypto.AES128ECBEncrypt(aesKey, combined)
			if err != nil {
				http.Error(w, "encrypt challengeresponse", http.StatusInternalServerError)
				return
			}
			writeRoot(w, map[string]string{"challengeresponse": hex.EncodeToString(encryptedResponse)})

		case q.Get("serverchallengeresp") != "":
			signingKey := h.priv
			if h.signWithWrongKey != nil {
				signingKey = h.signWithWrongKey
			}
			signature, err := crypto.RSASignSHA256(signingKey, h.hostSecret)
			if err != nil {
				http.Error(w, "sign pairingsecret", http.StatusInternalServerError)
				return
			}
			writeRoot(w, map[string]string{"pairingsecret": hex.EncodeToString(concat(h.hostSecret, signature))})

		case q.Get("clientpairingsecret") != "":
			writeRoot(w, nil)

		case q.Get("phrase") == "pairchallenge":
			writeRoot(w, nil)

		default:
			http.Error(w, "unrecognized pair request", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/unpair", func(w http.ResponseWriter, r *http.Request) {
		writeRoot(w, nil)
	})
	return mux
}

// writeRoot writes a <root status_code="200"><paired>1</paired>...</root>
// envelope carrying the given named leaves.
func writeRoot(w http.ResponseWriter, leaves map[string]string) {
	var buf bytes.Buffer
	buf.WriteString(`<root status_code="200"><paired>1</paired>`)
	for name, value := range leaves {
		fmt.Fprintf(&buf, "<%s>%s</%s>", name, value, name)
	}
	buf.WriteString(`</root>`)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// newPairingTestClient wires an httpclient.Client to the fake host's
// plain-HTTP server for stages 1-4, and to its TLS server for stage 5,
// mirroring how the registry configures a client before calling
// pairing.New (a pre-known HTTPS port; pairing pins the certificate
// itself during stage 1).
func newPairingTestClient(t *testing.T, host *fakeHost) *httpclient.Client {
	t.Helper()
	id := testClientIdentity(t)
	keyPEM, err := id.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("client private key: %v", err)
	}

	plainSrv := httptest.NewServer(host.mux())
	t.Cleanup(plainSrv.Close)

	serverCert, err := tls.X509KeyPair(host.certPEM, crypto.MarshalRSAPrivateKeyPEM(host.priv))
	if err != nil {
		t.Fatalf("load fake host tls cert: %v", err)
	}
	tlsSrv := httptest.NewUnstartedServer(host.mux())
	tlsSrv.TLS = &tls.Config{Certificates: []tls.Certificate{serverCert}}
	tlsSrv.StartTLS()
	t.Cleanup(tlsSrv.Close)

	plainHost, plainPort := splitListenerAddr(t, plainSrv.Listener)
	_, tlsPort := splitListenerAddr(t, tlsSrv.Listener)

	client, err := httpclient.New(plainHost, id.CertificatePEM(), keyPEM)
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}
	client.SetHTTPPort(plainPort)
	client.SetHTTPSPort(tlsPort)
	return client
}

func splitListenerAddr(t *testing.T, l net.Listener) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatalf("split listener address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse listener port: %v", err)
	}
	return host, port
}

func TestPairingHandshake(t *testing.T) {
	cases := []struct {
		name       string
		mutate     func(*fakeHost)
		wantResult Result
		wantErr    bool
	}{
		{
			name:       "succeeds through all five stages and pins the server certificate",
			mutate:     func(h *fakeHost) {},
			wantResult: PAIRED,
			wantErr:    false,
		},
		{
			name: "already in progress when plaincert is withheld",
			mutate: func(h *fakeHost) {
				h.omitPlainCert = true
			},
			wantResult: ALREADY_IN_PROGRESS,
			wantErr:    true,
		},
		{
			name: "pin wrong when the host's response hash does not verify",
			mutate: func(h *fakeHost) {
				h.wrongResponseHash = true
			},
			wantResult: PIN_WRONG,
			wantErr:    true,
		},
		{
			name: "fails when the host signs with a key other than the pinned certificate's (mitm)",
			mutate: func(h *fakeHost) {
				otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
				if err != nil {
					t.Fatalf("generate mitm key: %v", err)
				}
				h.signWithWrongKey = otherPriv
			},
			wantResult: FAILED,
			wantErr:    true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			host := newFakeHost(t)
			c.mutate(host)
			client := newPairingTestClient(t, host)

			session := New(client, testClientIdentity(t), testHostGeneration, testPIN)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			result, cert, err := session.Run(ctx)
			if result != c.wantResult {
				t.Fatalf("result = %v, want %v (err=%v)", result, c.wantResult, err)
			}
			if c.wantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.wantResult == PAIRED {
				if !bytes.Equal(cert, host.certPEM) {
					t.Fatalf("pinned cert = %q, want host cert %q", cert, host.certPEM)
				}
				wantClientCertHex := hex.EncodeToString(testClientIdentity(t).CertificatePEM())
				if host.receivedClientCertHex != wantClientCertHex {
					t.Fatalf("host received clientcert hex = %q, want hex(PEM) %q", host.receivedClientCertHex, wantClientCertHex)
				}
			}
		})
	}
}
