// Package session is the Session Orchestrator: it turns a negotiated
// codec, a resolved resolution, and a launched RTSP URL into a running
// pacer-fed stream, and owns the event-loop-facing lifecycle a host
// application drives (connection stages, restarts, focus/resolution
// changes) once streaming begins.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdeck/core/httpclient"
	"github.com/streamdeck/core/models"
	"github.com/streamdeck/core/negotiation"
	"github.com/streamdeck/core/pacer"
	"github.com/streamdeck/core/pkg/logging"
)

// activeSessionSlot enforces "at most one active session process-wide"
// via a buffered channel used as a counting semaphore.
var activeSessionSlot = make(chan struct{}, 1)

// ErrSessionAlreadyActive is returned by Start when another session is
// already running.
var ErrSessionAlreadyActive = fmt.Errorf("session: a session is already active")

// Decoder is the runtime video decoder a Session owns. Swapped out
// whole on a refresh-rate change.
type Decoder interface {
	RequestIDR()
	Close() error
}

// DecoderFactory constructs a Decoder for the given negotiated format
// and dimensions.
type DecoderFactory func(format models.CodecFlag, width, height, fps int) (Decoder, error)

// DisplaySource reports the local display's current physical size and
// refresh rate, consulted at session start, on every restart (Auto
// resolution), and whenever the caller detects a refresh-rate change.
type DisplaySource interface {
	Size() (width, height int)
	RefreshHz() float64
}

// Config bundles everything a launch needs. Client must already be
// bound to the target host's address and, once paired, its pinned
// certificate.
type Config struct {
	Client  *httpclient.Client
	AppID   int
	Verb    httpclient.LaunchVerb
	IsNvidiaServer bool
	ServerGFEVersion string

	// Prefs are the user's persisted streaming preferences; Width/Height
	// of 0x0 means Auto.
	Prefs models.SessionConfig

	ServerCodecModeSupport CodecCapability
	Probe                  negotiation.DecoderProbe
	DecoderFactory         DecoderFactory
	Display                DisplaySource
	VsyncFactory           func(hz float64) pacer.VsyncSource
	RendererFactory        func() pacer.Renderer
	PacerConfig            pacer.Config

	// AudioInit attempts to open a local audio device with the given
	// channel count and reports whether it succeeded. Consulted during
	// negotiation when the preferred channel count is surround (5.1/7.1)
	// so a device that only opens in stereo doesn't fail the whole
	// launch. Optional; nil means the preferred channel count is used
	// unconditionally.
	AudioInit func(channels int) bool

	SOPS       bool
	LocalAudio bool
	GamepadMask int
	PersistGamepadsOnDisconnect bool
}

// stereoAudioChannels is the fallback channel count when a surround
// device fails to initialize.
const stereoAudioChannels = 2

// CodecCapability carries the host's advertised support mask plus the
// HEVC Main10 flag PreflightCheck needs as a Pascal-generation proxy.
type CodecCapability struct {
	Mask               models.CodecFlag
	SupportsHEVCMain10 bool
}

// Session orchestrates one streaming attempt end to end.
type Session struct {
	cfg Config

	events       chan SessionEvent
	launchEvents chan LaunchEvent

	decoderMu sync.Mutex
	decoder   Decoder
	pacer     *pacer.Pacer

	generation atomic.Uint64

	interrupted            atomic.Bool
	unexpectedTermination  atomic.Bool
	muted                  atomic.Bool

	restartMu sync.Mutex

	negotiatedCodec models.CodecFlag
	trace           negotiation.Trace
	width, height   int
	audioChannels   int

	rtspURL string

	stageFailed LaunchStage

	acquiredSlot bool

	log zerolog.Logger
}

// New constructs a Session. Call Start to begin the async handshake.
func New(cfg Config) *Session {
	s := &Session{
		cfg:          cfg,
		events:       make(chan SessionEvent, 32),
		launchEvents: make(chan LaunchEvent, 32),
		log:          logging.Component("session"),
	}
	// Unexpected termination is the default outcome until streaming
	// actually begins.
	s.unexpectedTermination.Store(true)
	return s
}

// Events returns the channel of session lifecycle events.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// LaunchEvents returns the channel of launch-stage progress events.
func (s *Session) LaunchEvents() <-chan LaunchEvent { return s.launchEvents }

// Start acquires the process-wide active-session slot and runs the
// async-start worker: negotiate, launch, and enter the streaming state.
// It returns immediately; progress is reported on LaunchEvents/Events.
func (s *Session) Start(ctx context.Context) error {
	select {
	case activeSessionSlot <- struct{}{}:
		s.acquiredSlot = true
	default:
		return ErrSessionAlreadyActive
	}

	go s.runStartWorker(ctx)
	return nil
}

func (s *Session) runStartWorker(ctx context.Context) {
	if err := s.startSequence(ctx); err != nil {
		s.emitLaunch(LaunchEvent{Stage: s.stageFailed, Err: err, BlockedPorts: s.probeBlockedPorts()})
		s.releaseSlot()
		return
	}
}

func (s *Session) startSequence(ctx context.Context) error {
	s.emitLaunch(LaunchEvent{Stage: StageResolvingHost})
	// The host is already resolved by the time a Session is constructed
	// (the caller supplies a bound Client); this stage exists so a UI
	// consumer sees the same stage sequence regardless of how much of it
	// this package performs directly.

	s.emitLaunch(LaunchEvent{Stage: StageNegotiating})
	width, height, codec, trace, err := s.negotiate()
	if err != nil {
		s.stageFailed = StageNegotiating
		return err
	}
	s.width, s.height = width, height
	s.negotiatedCodec = codec
	s.trace = trace
	s.audioChannels = s.resolveAudioChannels()

	s.emitLaunch(LaunchEvent{Stage: StageStartingApp})
	sessionURL, err := s.launchApp(ctx)
	if err != nil {
		s.stageFailed = StageStartingApp
		return err
	}
	s.rtspURL = sessionURL

	s.emitLaunch(LaunchEvent{Stage: StageOpeningRTSP})
	// Handing rtspURL to the external streaming library that owns the
	// actual RTSP/video/audio transport is outside this package's scope;
	// this stage marks the handoff point.

	s.emitLaunch(LaunchEvent{Stage: StageAwaitingVideo})

	if err := s.startDecoderAndPacer(); err != nil {
		s.stageFailed = StageAwaitingVideo
		return err
	}

	s.unexpectedTermination.Store(false)
	s.emitLaunch(LaunchEvent{Stage: StageStreaming})
	s.emit(SessionEvent{Kind: EventStreaming, Codec: s.negotiatedCodec, Trace: s.trace})
	return nil
}

func (s *Session) negotiate() (width, height int, codec models.CodecFlag, trace negotiation.Trace, err error) {
	dw, dh := 0, 0
	if s.cfg.Display != nil {
		dw, dh = s.cfg.Display.Size()
	}
	width, height = negotiation.AutoResolve(s.cfg.Prefs.Width, s.cfg.Prefs.Height, dw, dh)

	fps := s.cfg.Prefs.FPS
	if fps <= 0 {
		fps = 60
	}

	codec, trace = negotiation.Negotiate(negotiation.Params{
		EnableHDR:              s.cfg.Prefs.EnableHDR,
		Enable444:              s.cfg.Prefs.Enable444,
		ForceSoftware:          false,
		Width:                  width,
		Height:                 height,
		FPS:                    fps,
		ServerCodecModeSupport: s.cfg.ServerCodecModeSupport.Mask,
		Probe:                  s.cfg.Probe,
	})

	adjWidth, adjHeight, warning, preflightErr := negotiation.PreflightCheck(
		width, height, s.cfg.IsNvidiaServer, s.cfg.ServerCodecModeSupport.SupportsHEVCMain10, s.cfg.ServerGFEVersion)
	if preflightErr != nil {
		return 0, 0, 0, nil, preflightErr
	}
	if warning != nil {
		trace = append(trace, "preflight: "+warning.Message)
	}
	return adjWidth, adjHeight, codec, trace, nil
}

// resolveAudioChannels implements the "if audio config (5.1/7.1)
// initializes no device, retry with stereo" pre-flight check. A nil
// AudioInit capability means the caller has no way to probe device
// initialization, so the preferred channel count is used as-is.
func (s *Session) resolveAudioChannels() int {
	channels := s.cfg.Prefs.AudioChannels
	if channels <= 0 {
		channels = stereoAudioChannels
	}
	if channels == stereoAudioChannels || s.cfg.AudioInit == nil {
		return channels
	}
	if s.cfg.AudioInit(channels) {
		return channels
	}
	s.trace = append(s.trace, fmt.Sprintf("audio: %d-channel device init failed, retrying with stereo", channels))
	return stereoAudioChannels
}

func (s *Session) launchApp(ctx context.Context) (string, error) {
	fps := s.cfg.Prefs.FPS
	if fps <= 0 {
		fps = 60
	}
	return s.cfg.Client.StartApp(ctx, s.cfg.Verb, s.cfg.AppID, httpclient.StreamConfig{
		Width:         s.width,
		Height:        s.height,
		FPS:           fps,
		AudioChannels: s.audioChannels,
		Encrypted:     true,
		Codec:         s.negotiatedCodec,
	}, s.cfg.SOPS, s.cfg.LocalAudio, s.cfg.GamepadMask, s.cfg.PersistGamepadsOnDisconnect)
}

func (s *Session) startDecoderAndPacer() error {
	fps := s.cfg.Prefs.FPS
	if fps <= 0 {
		fps = 60
	}

	if s.cfg.DecoderFactory != nil {
		dec, err := s.cfg.DecoderFactory(s.negotiatedCodec, s.width, s.height, fps)
		if err != nil {
			return fmt.Errorf("session: create decoder: %w", err)
		}
		s.decoderMu.Lock()
		s.decoder = dec
		s.decoderMu.Unlock()
	}

	var vsync pacer.VsyncSource
	if s.cfg.VsyncFactory != nil && s.cfg.Display != nil {
		vsync = s.cfg.VsyncFactory(s.cfg.Display.RefreshHz())
	}
	var renderer pacer.Renderer
	if s.cfg.RendererFactory != nil {
		renderer = s.cfg.RendererFactory()
	}

	p := pacer.New(s.cfg.PacerConfig, float64(fps), vsync, renderer, true, nil)
	p.Start()
	s.pacer = p
	return nil
}

// Submit forwards a decoded frame into the pacer.
func (s *Session) Submit(frame models.Frame) {
	if s.pacer != nil {
		s.pacer.Submit(frame)
	}
}

// NotifyFocusChanged implements the mute-on-focus-loss toggle.
func (s *Session) NotifyFocusChanged(focused bool) {
	s.muted.Store(!focused)
}

// Muted reports whether the session is currently muted.
func (s *Session) Muted() bool { return s.muted.Load() }

// NotifyHostResolutionChanged handles a host-side desktop resolution
// change. It only prompts when the user is in Auto mode; the prompt is
// stamped with a fresh generation so a stale response can be detected
// and ignored.
func (s *Session) NotifyHostResolutionChanged(width, height int) {
	if s.cfg.Prefs.Width != 0 || s.cfg.Prefs.Height != 0 {
		return
	}
	gen := s.generation.Add(1)
	s.emit(SessionEvent{Kind: EventResolutionChangePrompt, Width: width, Height: height, Generation: gen})
}

// RespondToResolutionPrompt answers a resolution-change prompt. A
// response quoting a generation older than the most recently issued
// prompt is a silent no-op.
func (s *Session) RespondToResolutionPrompt(generation uint64, restart bool) {
	if generation != s.generation.Load() {
		return
	}
	if restart {
		s.RequestRestart()
	}
}

// NotifyDisplayRefreshChanged swaps the decoder for one matching the new
// refresh rate and requests an IDR frame from it, under the decoder
// mutex.
func (s *Session) NotifyDisplayRefreshChanged(newHz float64) {
	if s.cfg.DecoderFactory == nil {
		return
	}
	fps := int(newHz)
	if fps <= 0 {
		fps = s.cfg.Prefs.FPS
	}

	dec, err := s.cfg.DecoderFactory(s.negotiatedCodec, s.width, s.height, fps)
	if err != nil {
		s.log.Warn().Err(err).Msg("decoder swap failed, keeping existing decoder")
		return
	}

	s.decoderMu.Lock()
	old := s.decoder
	s.decoder = dec
	s.decoderMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close previous decoder failed")
		}
	}
	dec.RequestIDR()
	s.emit(SessionEvent{Kind: EventDecoderSwapped})
}

// Interrupt marks the session interrupted, matching an unexpected
// termination unless a graceful Stop follows.
func (s *Session) Interrupt() {
	if s.interrupted.CompareAndSwap(false, true) {
		s.emit(SessionEvent{Kind: EventInterrupted})
	}
}

// RequestRestart signals interruption, runs the deferred cleanup that
// stops the connection, then emits a restart signal only once the
// connection is fully down.
func (s *Session) RequestRestart() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.Interrupt()
	s.stopConnection()
	s.emit(SessionEvent{Kind: EventRestarting})
}

// stopConnection tears down the decoder and pacer. Safe to call more
// than once.
func (s *Session) stopConnection() {
	if s.pacer != nil {
		s.pacer.Stop()
	}

	s.decoderMu.Lock()
	dec := s.decoder
	s.decoder = nil
	s.decoderMu.Unlock()
	if dec != nil {
		if err := dec.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close decoder failed")
		}
	}
}

// Stop ends the session gracefully.
func (s *Session) Stop() {
	s.stopConnection()
	s.emit(SessionEvent{Kind: EventTerminatedGraceful})
	s.releaseSlot()
}

// TerminateUnexpected reports a non-graceful termination (decoder loss,
// display loss, audio-init failure, or any other runtime error the
// caller detects).
func (s *Session) TerminateUnexpected(cause error) {
	s.unexpectedTermination.Store(true)
	s.stopConnection()
	s.emit(SessionEvent{Kind: EventTerminatedUnexpected, Err: cause})
	s.releaseSlot()
}

// UnexpectedTermination reports whether the session's current or most
// recent end was unexpected.
func (s *Session) UnexpectedTermination() bool {
	return s.unexpectedTermination.Load()
}

func (s *Session) releaseSlot() {
	if s.acquiredSlot {
		<-activeSessionSlot
		s.acquiredSlot = false
	}
}

func (s *Session) emit(ev SessionEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("kind", string(ev.Kind)).Msg("session event channel full, dropping event")
	}
}

func (s *Session) emitLaunch(ev LaunchEvent) {
	select {
	case s.launchEvents <- ev:
	default:
		s.log.Warn().Str("stage", string(ev.Stage)).Msg("launch event channel full, dropping event")
	}
}

// probeBlockedPorts runs the client-connectivity probe on a stage
// failure: a bare TCP dial against each GameStream port, independent of
// the GameStream protocol itself, so a firewall/router block can be
// distinguished from a host-side protocol failure.
func (s *Session) probeBlockedPorts() []int {
	if s.cfg.Client == nil {
		return nil
	}
	address := s.cfg.Client.Address()
	var blocked []int
	for _, port := range []int{47989, 47984} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), 200*time.Millisecond)
		if err != nil {
			blocked = append(blocked, port)
			continue
		}
		conn.Close()
	}
	return blocked
}
