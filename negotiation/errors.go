package negotiation

import "errors"

// Error taxonomy for negotiation failures: terminal, launch is refused
// with a specific explanation.
var (
	// errResolutionRequiresPascal is returned when a >4K resolution is
	// requested against an Nvidia server that does not report HEVC
	// Main10 support — used as a proxy for a Pascal-or-newer GPU able to
	// encode above 4K.
	errResolutionRequiresPascal = errors.New("negotiation: resolution above 4K requires a server GPU with HEVC Main10 support")
)

// ErrResolutionRequiresPascal returns the negotiation package's sentinel resolution error, so
// callers outside the package can compare against it with errors.Is.
func ErrResolutionRequiresPascal() error { return errResolutionRequiresPascal }
