package updatemanifest

import "testing"

func TestParseManifestAcceptsArray(t *testing.T) {
	data := []byte(`[
		{"platform": "windows", "arch": "x86_64", "version": "8.0.1.0", "browser_url": "https://example.test/win"},
		{"platform": "linux", "arch": "x86_64", "version": "8.0.1.0", "browser_url": "https://example.test/linux"}
	]`)

	entries, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestParseManifestAcceptsSingleObject(t *testing.T) {
	data := []byte(`{"platform": "linux", "arch": "x86_64", "version": "8.0.1.0", "browser_url": "https://example.test/linux"}`)

	entries, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}

func TestParseManifestRejectsEmptyArray(t *testing.T) {
	if _, err := ParseManifest([]byte(`[]`)); err != ErrManifestEmpty {
		t.Fatalf("err = %v, want ErrManifestEmpty", err)
	}
}

func TestParseManifestSkipsEntriesMissingVitalFields(t *testing.T) {
	data := []byte(`[
		{"platform": "windows", "arch": "x86_64"},
		{"platform": "linux", "arch": "x86_64", "version": "8.0.1.0", "browser_url": "https://example.test/linux"}
	]`)

	entries, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (the entry missing vital fields should be skipped)", len(entries))
	}
}

func TestParseManifestRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseManifest([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestSelectEntryMatchesPlatformAndArch(t *testing.T) {
	entries := []Entry{
		{Platform: "windows", Arch: "x86_64", Version: "8.0.1.0", BrowserURL: "https://example.test/win"},
		{Platform: "linux", Arch: "x86_64", Version: "8.0.1.0", BrowserURL: "https://example.test/linux"},
	}

	got, ok := SelectEntry(entries, "linux", "x86_64", "")
	if !ok {
		t.Fatal("expected a match")
	}
	if got.BrowserURL != "https://example.test/linux" {
		t.Fatalf("got %+v", got)
	}
}

func TestSelectEntryNoMatchForUnknownPlatform(t *testing.T) {
	entries := []Entry{{Platform: "windows", Arch: "x86_64", Version: "8.0.1.0", BrowserURL: "https://example.test/win"}}

	if _, ok := SelectEntry(entries, "linux", "x86_64", ""); ok {
		t.Fatal("expected no match for a platform absent from the manifest")
	}
}

func TestSelectEntrySkipsBelowKernelFloor(t *testing.T) {
	entries := []Entry{
		{Platform: "linux", Arch: "x86_64", Version: "8.0.1.0", BrowserURL: "https://example.test/new", KernelVersionAtLeast: "5.15"},
	}

	if _, ok := SelectEntry(entries, "linux", "x86_64", "5.10.0"); ok {
		t.Fatal("expected no match when the running kernel is below the required floor")
	}
	if _, ok := SelectEntry(entries, "linux", "x86_64", "5.15.0"); !ok {
		t.Fatal("expected a match when the running kernel meets the required floor exactly")
	}
	if _, ok := SelectEntry(entries, "linux", "x86_64", "6.1.0"); !ok {
		t.Fatal("expected a match when the running kernel exceeds the required floor")
	}
}

func TestSelectEntryFirstMatchWins(t *testing.T) {
	entries := []Entry{
		{Platform: "linux", Arch: "x86_64", Version: "1.0.0", BrowserURL: "first"},
		{Platform: "linux", Arch: "x86_64", Version: "2.0.0", BrowserURL: "second"},
	}

	got, ok := SelectEntry(entries, "linux", "x86_64", "")
	if !ok || got.BrowserURL != "first" {
		t.Fatalf("got %+v, want the first matching entry", got)
	}
}

func TestIsNewerComparesDottedQuadsTreatingMissingAsZero(t *testing.T) {
	cases := []struct {
		current, candidate string
		want               bool
	}{
		{"7.1.431.0", "7.1.432.0", true},
		{"7.1.431.0", "7.1.431.0", false},
		{"7.1.431.0", "7.1.430.0", false},
		{"1", "1.0.0.1", true},
		{"1.0.0.1", "1", false},
	}
	for _, c := range cases {
		if got := IsNewer(c.current, c.candidate); got != c.want {
			t.Fatalf("IsNewer(%q, %q) = %v, want %v", c.current, c.candidate, got, c.want)
		}
	}
}
