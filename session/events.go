package session

import "github.com/streamdeck/core/models"

// LaunchStage identifies a step in bringing up a streaming session, in
// order.
type LaunchStage string

const (
	StageResolvingHost   LaunchStage = "resolving_host"
	StageNegotiating     LaunchStage = "negotiating"
	StageStartingApp     LaunchStage = "starting_app"
	StageOpeningRTSP     LaunchStage = "opening_rtsp"
	StageAwaitingVideo   LaunchStage = "awaiting_video"
	StageStreaming       LaunchStage = "streaming"
)

// LaunchEvent reports progress or failure of one launch stage.
type LaunchEvent struct {
	Stage LaunchStage
	// Err is nil for a stage-starting notification, non-nil for a
	// stage-failed notification.
	Err error
	// BlockedPorts is populated on failure once a connectivity probe
	// has run.
	BlockedPorts []int
}

// SessionEventKind discriminates a running session's lifecycle events.
type SessionEventKind string

const (
	EventStreaming            SessionEventKind = "streaming"
	EventInterrupted          SessionEventKind = "interrupted"
	EventTerminatedUnexpected SessionEventKind = "terminated_unexpected"
	EventTerminatedGraceful   SessionEventKind = "terminated_graceful"
	EventResolutionChangePrompt SessionEventKind = "resolution_change_prompt"
	EventRestarting           SessionEventKind = "restarting"
	EventDecoderSwapped       SessionEventKind = "decoder_swapped"
)

// SessionEvent is emitted on a Session's Events channel.
type SessionEvent struct {
	Kind SessionEventKind
	Err  error

	// Width/Height are populated for EventResolutionChangePrompt: the
	// host's new desktop size.
	Width, Height int
	// Generation is populated for EventResolutionChangePrompt; a
	// RespondToResolutionPrompt call quoting a stale generation is a
	// silent no-op.
	Generation uint64

	// Codec/Trace are populated for EventStreaming.
	Codec models.CodecFlag
	Trace []string
}
