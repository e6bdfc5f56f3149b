package negotiation

import (
	"runtime"

	"github.com/streamdeck/core/models"
)

// DecoderAvailability is the result of probing whether a format can be
// decoded at a given resolution/framerate.
type DecoderAvailability int

const (
	DecoderNone DecoderAvailability = iota
	DecoderSoftware
	DecoderHardware
)

// DecoderProbe answers "can this client decode format at w x h @ fps".
// Injected by the caller so tests can fake decoder capability the same
// way the discovery package injects its mDNS browse function.
type DecoderProbe func(format models.CodecFlag, width, height, fps int) DecoderAvailability

// Params bundles every input the "Auto" codec policy consults.
type Params struct {
	EnableHDR     bool
	Enable444     bool
	ForceSoftware bool

	Width  int
	Height int
	FPS    int

	// ServerCodecModeSupport is the host's advertised capability mask;
	// applied last to eliminate anything the host cannot encode.
	ServerCodecModeSupport models.CodecFlag

	Probe DecoderProbe
}

// Trace records which negotiation rule fired, for diagnostics/tests
// only (models.SessionConfig.NegotiationTrace); it carries no wire
// meaning.
type Trace = []string

// Negotiate runs the six-rule "Auto" codec policy over DefaultCandidates
// and returns the winning format plus a trace of the rules that fired.
// If every candidate is eliminated, H.264 is reinstated as the format
// of last resort.
func Negotiate(p Params) (models.CodecFlag, Trace) {
	list := NewCandidateList(DefaultCandidates())
	var trace Trace

	note := func(s string) { trace = append(trace, s) }

	// Rule 1: HDR requested but no 10-bit HEVC hardware decoder -> drop
	// 10-bit HEVC. If there's also no 10-bit AV1 hardware decoder, drop
	// 10-bit AV1 too and reprobe HEVC-8.
	if p.EnableHDR {
		hevc10HW := probeAny(p.Probe, []models.CodecFlag{models.CodecHEVCMain10, models.CodecHEVC444Main10}, p.Width, p.Height, p.FPS, DecoderHardware)
		if !hevc10HW {
			list.Remove(mask10BitHEVC)
			note("rule1: removed 10-bit HEVC, no hardware decoder")

			av110HW := probeAny(p.Probe, []models.CodecFlag{models.CodecAV1Main10, models.CodecAV1High10444}, p.Width, p.Height, p.FPS, DecoderHardware)
			if !av110HW {
				list.Remove(mask10BitAV1)
				note("rule1: removed 10-bit AV1, no hardware decoder; reprobing HEVC-8")
				if p.Probe != nil {
					p.Probe(models.CodecHEVC, p.Width, p.Height, p.FPS)
				}
			}
		}
	}

	// Rule 2: no HEVC hardware decoder at all, and we are not forcing a
	// software decode specifically to get HDR -> deprioritize HEVC.
	hevcHW := probeAny(p.Probe, []models.CodecFlag{models.CodecHEVC, models.CodecHEVCMain10, models.CodecHEVC444, models.CodecHEVC444Main10}, p.Width, p.Height, p.FPS, DecoderHardware)
	forcingSoftwareForHDR := p.ForceSoftware && p.EnableHDR
	if !hevcHW && !forcingSoftwareForHDR {
		list.Deprioritize(maskHEVC)
		note("rule2: deprioritized HEVC, no hardware decoder")
	}

	// Rule 3: deprioritize AV1 whenever HEVC is hardware-decodable. When
	// it isn't, whether AV1 stays prioritized depends on the platform:
	// on macOS and x86 Linux/BSD, a missing HEVC hardware decoder is a
	// reliable proxy for a missing AV1 one too, so AV1 is only kept
	// prioritized when HDR is enabled (software AV1 via dav1d
	// outperforms software HEVC there). On Windows and non-x86 Unix
	// (e.g. ARM Linux boards), that proxy doesn't hold - some Windows
	// business PCs have HEVC disabled in firmware but still decode AV1
	// in hardware, and some embedded ARM platforms have incomplete V4L2
	// HEVC support despite full AV1 support - so AV1 stays prioritized
	// there whenever HEVC hardware decode is unavailable, regardless of
	// HDR.
	if av1DeprioritizeMask(hevcHW, p.EnableHDR, runtime.GOOS, runtime.GOARCH) {
		list.Deprioritize(maskAV1)
		note("rule3: deprioritized AV1")
	}

	// Rule 4: 4:4:4 chroma.
	if !p.Enable444 {
		list.Remove(mask444)
		note("rule4: removed 4:4:4 candidates, not requested")
	} else {
		list.Deprioritize(^mask444) // deprioritize everything that is NOT 4:4:4
		note("rule4: deprioritized non-4:4:4 candidates")
	}

	// Rule 5: HDR / 10-bit.
	if !p.EnableHDR {
		list.Remove(mask10Bit)
		note("rule5: removed 10-bit candidates, HDR not requested")
	} else {
		list.Deprioritize(^mask10Bit)
		note("rule5: deprioritized non-10-bit candidates")
	}

	// Rule 6: server capability mask, applied last.
	list.Remove(^p.ServerCodecModeSupport)
	note("rule6: applied server codec mode support mask")

	if list.Empty() {
		list.Reinstate(models.CodecH264)
		note("fallback: reinstated H.264 as codec of last resort")
	}

	winner, _ := list.First()
	return winner, trace
}

// av1DeprioritizeMask implements rule 3's platform-dependent gate,
// parameterized on goos/goarch so it is directly testable without
// depending on the platform running the test. See Negotiate's rule 3
// comment for the reasoning.
func av1DeprioritizeMask(hevcHW, enableHDR bool, goos, goarch string) bool {
	if hevcHW {
		return true
	}
	x86 := goarch == "amd64" || goarch == "386"
	hdrGateApplies := goos == "darwin" || (goos != "windows" && x86)
	return hdrGateApplies && !enableHDR
}

func probeAny(probe DecoderProbe, formats []models.CodecFlag, w, h, fps int, want DecoderAvailability) bool {
	if probe == nil {
		return false
	}
	for _, f := range formats {
		if probe(f, w, h, fps) == want {
			return true
		}
	}
	return false
}

// PreflightWarning describes a forced adjustment made before launch.
type PreflightWarning struct {
	Message string
}

// PreflightCheck applies the resolution/GFE-version pre-flight rules
// that run after codec negotiation but before launch. It returns the
// (possibly adjusted) width/height, or an error if the requested
// resolution must be rejected outright.
func PreflightCheck(width, height int, isNvidiaServer bool, serverSupportsHEVCMain10 bool, serverGFEVersion string) (adjWidth, adjHeight int, warning *PreflightWarning, err error) {
	adjWidth, adjHeight = width, height

	const uhdPixels = 3840 * 2160
	if width*height > uhdPixels && isNvidiaServer && !serverSupportsHEVCMain10 {
		return 0, 0, nil, errResolutionRequiresPascal
	}

	if width*height >= uhdPixels && len(serverGFEVersion) >= 2 && serverGFEVersion[:2] == "2." {
		return 1920, 1080, &PreflightWarning{
			Message: "host GeForce Experience 2.x cannot encode 4K; falling back to 1920x1080",
		}, nil
	}

	return adjWidth, adjHeight, nil, nil
}

// AutoResolve handles the user preference of 0x0 ("Auto"): read the
// display's current physical size and round each dimension down to an
// even integer. displayWidth/displayHeight come from the external
// window/display capability the session orchestrator queries at session
// start and on every restart.
func AutoResolve(prefWidth, prefHeight, displayWidth, displayHeight int) (width, height int) {
	if prefWidth != 0 || prefHeight != 0 {
		return prefWidth, prefHeight
	}
	return displayWidth &^ 1, displayHeight &^ 1
}
