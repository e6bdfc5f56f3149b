// Package models holds the data types shared across this module's
// components: the Host Record owned by the registry, the transient
// Discovery Entry produced by mDNS, the per-session configuration
// snapshot, and the opaque Frame handle the pacer schedules.
package models

import "time"

// PairState is a Host Record's pairing status.
type PairState int

const (
	PairStateUnpaired PairState = iota
	PairStatePaired
)

func (s PairState) String() string {
	if s == PairStatePaired {
		return "paired"
	}
	return "unpaired"
}

// ReachabilityState is a Host Record's last-known liveness.
type ReachabilityState int

const (
	ReachabilityUnknown ReachabilityState = iota
	ReachabilityOnline
	ReachabilityOffline
)

func (s ReachabilityState) String() string {
	switch s {
	case ReachabilityOnline:
		return "online"
	case ReachabilityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// CodecFlag is a bitmask over server-supported video codecs/profiles.
// Values are a disjoint bit per (codec, profile, chroma) combination so
// negotiation.CandidateList.Remove/Deprioritize can match on masks.
type CodecFlag uint32

const (
	CodecH264 CodecFlag = 1 << iota
	CodecH264High444
	CodecHEVC
	CodecHEVCMain10
	CodecHEVC444
	CodecHEVC444Main10
	CodecAV1Main8
	CodecAV1Main10
	CodecAV1High8444
	CodecAV1High10444
)

// App is one entry in a host's cached application list.
type App struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	BoxArtURL      string `json:"box_art_url"`
	IsHDRSupported bool   `json:"is_hdr_supported"`
}

// Addresses bundles every network address this module has observed for a
// host. ActiveAddress must always equal one of these.
type Addresses struct {
	Local        string `json:"local"`
	Manual       string `json:"manual"`
	IPv6Global   string `json:"ipv6_global"`
	External     string `json:"external"`
	ActiveAddress string `json:"active_address"`
}

// Unique returns the distinct non-empty addresses, in probe-priority order:
// local, manual, IPv6 global, external.
func (a Addresses) Unique() []string {
	seen := make(map[string]struct{}, 4)
	out := make([]string, 0, 4)
	for _, addr := range []string{a.Local, a.Manual, a.IPv6Global, a.External} {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Contains reports whether addr is one of the known addresses.
func (a Addresses) Contains(addr string) bool {
	for _, known := range a.Unique() {
		if known == addr {
			return true
		}
	}
	return false
}

// Host is one entry in the Host Registry, keyed by UUID. All mutation must
// go through the registry, which serializes access per-record behind a
// reader/writer lock (see registry.Record).
type Host struct {
	UUID          string `json:"uuid"`
	Name          string `json:"name"`
	HasCustomName bool   `json:"has_custom_name"`

	Addresses Addresses `json:"addresses"`
	HTTPSPort int       `json:"https_port"`

	AppVersion string `json:"app_version"`
	GPUModel   string `json:"gpu_model"`

	// ServerCert is the PEM-encoded certificate pinned during a prior
	// successful pairing. Non-empty iff PairState == PairStatePaired.
	ServerCert []byte `json:"server_cert,omitempty"`

	PairState        PairState         `json:"pair_state"`
	Reachability     ReachabilityState `json:"-"`
	CurrentGameID    int               `json:"-"`
	PendingQuit      bool              `json:"-"`

	ServerCodecModeSupport CodecFlag `json:"server_codec_mode_support"`
	MaxLumaPixelsHEVC      int       `json:"max_luma_pixels_hevc"`
	SupportedResolutions   []Resolution `json:"supported_resolutions"`
	Supports444            bool         `json:"supports_444"`
	SupportsHDR            bool         `json:"supports_hdr"`

	Apps []App `json:"apps,omitempty"`

	// LastPollError is transient diagnostic state surfaced to the UI
	// layer; it is never persisted.
	LastPollError string `json:"-"`
}

// Resolution is a width/height pair the host can encode.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry's lock (apps/resolutions slices and the cert are copied).
func (h Host) Clone() Host {
	out := h
	if h.ServerCert != nil {
		out.ServerCert = append([]byte(nil), h.ServerCert...)
	}
	if h.Apps != nil {
		out.Apps = append([]App(nil), h.Apps...)
	}
	if h.SupportedResolutions != nil {
		out.SupportedResolutions = append([]Resolution(nil), h.SupportedResolutions...)
	}
	return out
}

// DiscoveryEntry is a transient mDNS observation, promoted to a host-add
// request once address resolution succeeds, or discarded after
// MaxRetries resolution attempts fail.
type DiscoveryEntry struct {
	Hostname string
	Port     int
	Retries  int
	LastSeen time.Time

	// ResolvedIPv4 and ResolvedIPv6Global are populated once resolution
	// succeeds: the primary address to add-host with, and the best
	// IPv6 global candidate (if any) as secondary.
	ResolvedIPv4       string
	ResolvedIPv6Global string
}
