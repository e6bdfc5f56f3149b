package models

// SessionConfig is a per-session snapshot of user preferences plus the
// results negotiated with a host. It is created at session start and
// discarded at session end; nothing here is persisted.
type SessionConfig struct {
	HostUUID string

	Width  int
	Height int
	FPS    int

	Codec      CodecFlag
	EnableHDR  bool
	Enable444  bool

	AudioChannels int
	Encrypted     bool
	AudioEncrypted bool

	PacketSize int
	RTSPURL    string

	AppID int

	// NegotiationTrace records which negotiation rule fired, for
	// diagnostics/testing only; it carries no wire meaning.
	NegotiationTrace []string
}

// AddTrace appends a negotiation trace entry.
func (c *SessionConfig) AddTrace(entry string) {
	c.NegotiationTrace = append(c.NegotiationTrace, entry)
}

// Frame is an opaque decoded-frame handle. ArrivalMicros repurposes the
// usual presentation-timestamp field as an arrival-time stamp the pacer
// uses purely for its own statistics.
type Frame struct {
	Handle        any
	ArrivalMicros int64
}
