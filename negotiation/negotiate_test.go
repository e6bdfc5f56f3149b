package negotiation

import (
	"testing"

	"github.com/streamdeck/core/models"
)

func allSupported() models.CodecFlag {
	var mask models.CodecFlag
	for _, c := range DefaultCandidates() {
		mask |= c
	}
	return mask
}

func TestRemoveSequentialIsUnionEquivalent(t *testing.T) {
	a := NewCandidateList(DefaultCandidates())
	a.Remove(models.CodecH264)
	a.Remove(models.CodecHEVC)

	b := NewCandidateList(DefaultCandidates())
	b.Remove(models.CodecH264 | models.CodecHEVC)

	if len(a.Items()) != len(b.Items()) {
		t.Fatalf("Remove(A) then Remove(B) != Remove(A|B): %v vs %v", a.Items(), b.Items())
	}
	for i := range a.Items() {
		if a.Items()[i] != b.Items()[i] {
			t.Fatalf("order mismatch at %d: %v vs %v", i, a.Items(), b.Items())
		}
	}
}

func TestDeprioritizeTwiceEqualsOnce(t *testing.T) {
	once := NewCandidateList(DefaultCandidates())
	once.Deprioritize(maskHEVC)

	twice := NewCandidateList(DefaultCandidates())
	twice.Deprioritize(maskHEVC)
	twice.Deprioritize(maskHEVC)

	if len(once.Items()) != len(twice.Items()) {
		t.Fatalf("length mismatch")
	}
	for i := range once.Items() {
		if once.Items()[i] != twice.Items()[i] {
			t.Fatalf("Deprioritize is not idempotent at index %d: %v vs %v", i, once.Items(), twice.Items())
		}
	}
}

func TestDeprioritizePreservesIntraGroupOrder(t *testing.T) {
	l := NewCandidateList(DefaultCandidates())
	l.Deprioritize(maskAV1)

	var av1Order []models.CodecFlag
	for _, c := range l.Items() {
		if c&maskAV1 != 0 {
			av1Order = append(av1Order, c)
		}
	}
	want := []models.CodecFlag{models.CodecAV1High10444, models.CodecAV1Main10, models.CodecAV1High8444, models.CodecAV1Main8}
	if len(av1Order) != len(want) {
		t.Fatalf("got %v, want %v", av1Order, want)
	}
	for i := range want {
		if av1Order[i] != want[i] {
			t.Fatalf("AV1 group order changed: got %v want %v", av1Order, want)
		}
	}
}

func TestNegotiateFallsBackToH264WhenServerSupportsNothing(t *testing.T) {
	winner, trace := Negotiate(Params{
		EnableHDR:              false,
		Enable444:              false,
		ServerCodecModeSupport: 0,
		Width:                  1920,
		Height:                 1080,
		FPS:                    60,
	})
	if winner != models.CodecH264 {
		t.Fatalf("winner = %v, want H264 fallback", winner)
	}
	found := false
	for _, s := range trace {
		if s == "fallback: reinstated H.264 as codec of last resort" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fallback trace entry, got %v", trace)
	}
}

func TestNegotiatePicksHighestPriorityServerSupportedFormat(t *testing.T) {
	winner, _ := Negotiate(Params{
		EnableHDR:              false,
		Enable444:              false,
		ServerCodecModeSupport: allSupported(),
		Width:                  1920,
		Height:                 1080,
		FPS:                    60,
		Probe: func(models.CodecFlag, int, int, int) DecoderAvailability {
			return DecoderHardware
		},
	})
	// HDR and 4:4:4 both off -> both are removed, leaving the 8-bit
	// non-444 group; HEVC hardware present so AV1 stays deprioritized.
	if winner != models.CodecHEVC {
		t.Fatalf("winner = %v, want HEVC", winner)
	}
}

func TestNegotiateForcesH264WhenAV1AndHEVCUnsupportedByServer(t *testing.T) {
	winner, _ := Negotiate(Params{
		ServerCodecModeSupport: models.CodecH264 | models.CodecH264High444,
		Width:                  1920,
		Height:                 1080,
		FPS:                    60,
	})
	if winner != models.CodecH264 {
		t.Fatalf("winner = %v, want H264", winner)
	}
}

func TestAV1DeprioritizeMaskMatchesOriginalPlatformGate(t *testing.T) {
	cases := []struct {
		name      string
		hevcHW    bool
		enableHDR bool
		goos      string
		goarch    string
		want      bool
	}{
		{"hevc hardware always deprioritizes AV1 regardless of platform", true, false, "windows", "amd64", true},
		{"windows, no hevc hw, hdr off: AV1 stays prioritized", false, false, "windows", "amd64", false},
		{"windows, no hevc hw, hdr on: AV1 stays prioritized", false, true, "windows", "amd64", false},
		{"arm linux, no hevc hw, hdr off: AV1 stays prioritized", false, false, "linux", "arm64", false},
		{"arm linux, no hevc hw, hdr on: AV1 stays prioritized", false, true, "linux", "arm64", false},
		{"x86 linux, no hevc hw, hdr off: AV1 deprioritized", false, false, "linux", "amd64", true},
		{"x86 linux, no hevc hw, hdr on: AV1 stays prioritized", false, true, "linux", "amd64", false},
		{"macos, no hevc hw, hdr off: AV1 deprioritized", false, false, "darwin", "arm64", true},
		{"macos, no hevc hw, hdr on: AV1 stays prioritized", false, true, "darwin", "arm64", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := av1DeprioritizeMask(c.hevcHW, c.enableHDR, c.goos, c.goarch)
			if got != c.want {
				t.Fatalf("av1DeprioritizeMask(%v, %v, %q, %q) = %v, want %v", c.hevcHW, c.enableHDR, c.goos, c.goarch, got, c.want)
			}
		})
	}
}

func TestAutoResolveRoundsDownToEven(t *testing.T) {
	w, h := AutoResolve(0, 0, 2561, 1441)
	if w != 2560 || h != 1440 {
		t.Fatalf("AutoResolve = %dx%d, want 2560x1440", w, h)
	}
}

func TestAutoResolveLeavesExplicitPreferenceAlone(t *testing.T) {
	w, h := AutoResolve(1920, 1080, 2561, 1441)
	if w != 1920 || h != 1080 {
		t.Fatalf("AutoResolve = %dx%d, want 1920x1080 unchanged", w, h)
	}
}

func TestPreflightForces1080pOnLegacyGFE(t *testing.T) {
	w, h, warn, err := PreflightCheck(3840, 2160, true, true, "2.11.1.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 1920 || h != 1080 {
		t.Fatalf("got %dx%d, want 1920x1080", w, h)
	}
	if warn == nil {
		t.Fatal("expected a warning")
	}
}

func TestPreflightRejects8KWithoutPascal(t *testing.T) {
	_, _, _, err := PreflightCheck(7680, 4320, true, false, "3.20.0.0")
	if err == nil {
		t.Fatal("expected an error rejecting the resolution")
	}
}
