package registry

import "github.com/streamdeck/core/models"

// EventKind discriminates a HostEvent's payload.
type EventKind string

const (
	EventHostStateChanged  EventKind = "host_state_changed"
	EventPairingCompleted  EventKind = "pairing_completed"
	EventHostAddCompleted  EventKind = "host_add_completed"
	EventQuitAppCompleted  EventKind = "quit_app_completed"
)

// HostEvent is emitted on the Registry's Events channel.
type HostEvent struct {
	Kind EventKind

	// Host is populated for HostStateChanged and a successful
	// HostAddCompleted, and for PairingCompleted and QuitAppCompleted
	// except on an early failure such as an unknown UUID.
	Host models.Host

	// Err is populated for PairingCompleted and QuitAppCompleted when the
	// operation failed; nil on success.
	Err error

	// SuspectedPortBlocking is populated for HostAddCompleted when the
	// add failed and a port-blocking probe ran.
	SuspectedPortBlocking []int
	// Success is populated for HostAddCompleted.
	Success bool
}
