package registry

import (
	"strings"
	"sync"
	"testing"

	"github.com/streamdeck/core/models"
)

func newTestRegistry(hosts ...models.Host) *Registry {
	r := &Registry{
		records: make(map[string]*record, len(hosts)),
	}
	for _, h := range hosts {
		r.records[h.UUID] = &record{host: h}
	}
	r.persist = &persistenceWorker{}
	r.persist.flushCond = sync.NewCond(&r.persist.flushMu)
	return r
}

func TestGeneratePINStringIsFourDigitsZeroPadded(t *testing.T) {
	for i := 0; i < 50; i++ {
		pin := GeneratePINString()
		if len(pin) != 4 {
			t.Fatalf("pin %q has length %d, want 4", pin, len(pin))
		}
		for _, c := range pin {
			if c < '0' || c > '9' {
				t.Fatalf("pin %q contains non-digit", pin)
			}
		}
	}
}

func TestGetHostsSortedByLowercasedName(t *testing.T) {
	r := newTestRegistry(
		models.Host{UUID: "1", Name: "zeta"},
		models.Host{UUID: "2", Name: "Alpha"},
		models.Host{UUID: "3", Name: "beta"},
	)

	got := r.GetHosts()
	if len(got) != 3 {
		t.Fatalf("got %d hosts, want 3", len(got))
	}
	names := []string{got[0].Name, got[1].Name, got[2].Name}
	want := []string{"Alpha", "beta", "zeta"}
	for i := range want {
		if !strings.EqualFold(names[i], want[i]) {
			t.Fatalf("names = %v, want case-insensitive order %v", names, want)
		}
	}
}

func TestRecordTryStartPairingIsExclusive(t *testing.T) {
	rec := &record{}
	if !rec.tryStartPairing() {
		t.Fatal("first tryStartPairing should succeed")
	}
	if rec.tryStartPairing() {
		t.Fatal("second concurrent tryStartPairing should fail")
	}
	rec.finishPairing()
	if !rec.tryStartPairing() {
		t.Fatal("tryStartPairing should succeed again after finishPairing")
	}
}

func TestRecordMutateSnapshotIsolation(t *testing.T) {
	rec := &record{host: models.Host{UUID: "abc", Apps: []models.App{{ID: 1, Name: "one"}}}}

	snap := rec.snapshot()
	snap.Apps[0].Name = "mutated"

	if rec.host.Apps[0].Name != "one" {
		t.Fatalf("mutating a snapshot's slice must not affect the record: got %q", rec.host.Apps[0].Name)
	}
}

func TestApplyServerInfoOnlyOverwritesUncustomizedName(t *testing.T) {
	h := &models.Host{UUID: "abc", Name: "My Gaming PC", HasCustomName: true}
	changed := applyServerInfo(h, serverInfo{UUID: "abc", Hostname: "DESKTOP-XYZ", AppVersion: "7.1.431.0"})

	if h.Name != "My Gaming PC" {
		t.Fatalf("custom name was overwritten: got %q", h.Name)
	}
	if !changed {
		t.Fatal("appversion change should still report changed=true")
	}
}

func TestApplyServerInfoAdoptsHostnameWhenNotCustomized(t *testing.T) {
	h := &models.Host{UUID: "abc"}
	applyServerInfo(h, serverInfo{UUID: "abc", Hostname: "DESKTOP-XYZ"})
	if h.Name != "DESKTOP-XYZ" {
		t.Fatalf("Name = %q, want DESKTOP-XYZ", h.Name)
	}
}

func TestPollOnceFailsFastWithNoKnownAddress(t *testing.T) {
	rec := &record{host: models.Host{UUID: "abc"}}
	r := newTestRegistry()
	r.records["abc"] = rec

	r.pollOnce(nil, rec)

	snap := rec.snapshot()
	if snap.LastPollError == "" {
		t.Fatal("expected LastPollError to be set when a host has no known address")
	}
	if snap.Reachability == models.ReachabilityOnline {
		t.Fatal("a host with no known address must not be marked online")
	}
}

func TestParseServerInfoExtractsCoreFields(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<root status_code="200">
  <uniqueid>abcd-1234</uniqueid>
  <hostname>DESKTOP-XYZ</hostname>
  <appversion>7.1.431.0</appversion>
  <GsGpuType>RTX 4090</GsGpuType>
  <HttpsPort>47984</HttpsPort>
  <ServerCodecModeSupport>259</ServerCodecModeSupport>
  <MaxLumaPixelsHEVC>8847360</MaxLumaPixelsHEVC>
  <currentgame>0</currentgame>
</root>`

	info, err := parseServerInfo(body)
	if err != nil {
		t.Fatalf("parseServerInfo: %v", err)
	}
	if info.UUID != "abcd-1234" {
		t.Fatalf("UUID = %q", info.UUID)
	}
	if info.HTTPSPort != 47984 {
		t.Fatalf("HTTPSPort = %d, want 47984", info.HTTPSPort)
	}
	if info.ServerCodecModeSupport != 259 {
		t.Fatalf("ServerCodecModeSupport = %d, want 259", info.ServerCodecModeSupport)
	}
}

func TestParseManualAddressAcceptsBareHostAndURL(t *testing.T) {
	cases := map[string]string{
		"192.168.1.50":              "192.168.1.50",
		"gs://192.168.1.50":         "192.168.1.50",
		"http://192.168.1.50:47989": "192.168.1.50",
		"[fe80::1]":                 "fe80::1",
	}
	for in, want := range cases {
		got, err := parseManualAddress(in)
		if err != nil {
			t.Fatalf("parseManualAddress(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseManualAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStunTransactionIDRoundTrips(t *testing.T) {
	req, txID := buildBindingRequest()
	if len(req) != 20 {
		t.Fatalf("binding request length = %d, want 20", len(req))
	}
	resp := make([]byte, 32)
	resp[0], resp[1] = byte(stunBindingSuccess>>8), byte(stunBindingSuccess&0xff)
	copy(resp[8:20], txID[:])
	// XOR-MAPPED-ADDRESS attribute for 203.0.113.7:4500.
	resp[20], resp[21] = 0x00, byte(stunXorMappedAddress)
	resp[22], resp[23] = 0x00, 0x08
	resp[25] = 0x01
	port := uint16(4500) ^ uint16(stunMagicCookie>>16)
	resp[26] = byte(port >> 8)
	resp[27] = byte(port)
	ipBytes := [4]byte{203, 0, 113, 7}
	magic := [4]byte{0x21, 0x12, 0xA4, 0x42}
	for i := 0; i < 4; i++ {
		resp[28+i] = ipBytes[i] ^ magic[i]
	}
	binaryPutLength(resp, 12)

	addr, err := parseBindingResponse(resp[:32], txID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if addr != "203.0.113.7:4500" {
		t.Fatalf("addr = %q, want 203.0.113.7:4500", addr)
	}
}

func binaryPutLength(msg []byte, length uint16) {
	msg[2] = byte(length >> 8)
	msg[3] = byte(length)
}
