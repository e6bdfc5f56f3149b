// Package config resolves the OS-aware application data directory and
// loads/creates the persisted streaming-client configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "streamdeck-core"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	// DefaultHTTPPort is the host's unencrypted GameStream port.
	DefaultHTTPPort = 47989
	// DefaultHTTPSPort is the host's default TLS GameStream port; the
	// actual value is host-advertised and overridden per host record.
	DefaultHTTPSPort = 47984

	// DefaultMDNSService is the GameStream host discovery service name.
	DefaultMDNSService = "_nvstream._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultDiscoveryRefreshInterval is the background browse interval.
	DefaultDiscoveryRefreshInterval = 10 * time.Second
	// DefaultDiscoveryScanTimeout bounds each browse window.
	DefaultDiscoveryScanTimeout = 2 * time.Second
	// DefaultDiscoveryMaxRetries bounds resolution attempts per entry.
	DefaultDiscoveryMaxRetries = 10

	// DefaultPollInterval is the sleep between polling worker cycles.
	DefaultPollInterval = 3 * time.Second
	// DefaultTriesBeforeOfflining is consecutive failures before marking offline.
	DefaultTriesBeforeOfflining = 2
	// DefaultAppListRefreshPolls refetches the app list every N poll cycles.
	DefaultAppListRefreshPolls = 10

	// DefaultMaxQueuedFrames is the pacer's per-queue depth cap.
	DefaultMaxQueuedFrames = 4
	// DefaultTimerSlackMillis bounds the vsync wait slack.
	DefaultTimerSlackMillis = 3

	// DefaultResolutionWidth/Height of 0 means "Auto".
	DefaultResolutionWidth  = 0
	DefaultResolutionHeight = 0
	// DefaultFPS is the default stream frame rate.
	DefaultFPS = 60
)

// DiscoveryConfig tunes mDNS host discovery.
type DiscoveryConfig struct {
	Service         string        `json:"service"`
	Domain          string        `json:"domain"`
	RefreshInterval time.Duration `json:"refresh_interval"`
	ScanTimeout     time.Duration `json:"scan_timeout"`
	MaxRetries      int           `json:"max_retries"`
}

// RegistryConfig tunes the host registry's polling workers.
type RegistryConfig struct {
	PollInterval         time.Duration `json:"poll_interval"`
	TriesBeforeOfflining int           `json:"tries_before_offlining"`
	AppListRefreshPolls  int           `json:"app_list_refresh_polls"`
}

// SessionDefaults holds user-overridable streaming preferences. Width/Height
// of 0x0 mean "Auto" and are preserved as 0x0 across save/load; the
// orchestrator, not this struct, resolves Auto to a concrete size.
type SessionDefaults struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FPS            int    `json:"fps"`
	EnableHDR      bool   `json:"enable_hdr"`
	Enable444      bool   `json:"enable_444"`
	AudioChannels  int    `json:"audio_channels"`
	ForceCodec     string `json:"force_codec,omitempty"`
	ForceSoftware  bool   `json:"force_software_decode"`
	SopsEnabled    bool   `json:"sops_enabled"`
	PersistGamepad bool   `json:"persist_gamepads_on_disconnect"`
}

// PacerConfig tunes frame-pacing queue discipline.
type PacerConfig struct {
	MaxQueuedFrames int `json:"max_queued_frames"`
	TimerSlackMs    int `json:"timer_slack_ms"`
}

// Config is the persisted streaming-client configuration.
type Config struct {
	ClientUUID     string          `json:"client_uuid"`
	ClientName     string          `json:"client_name"`
	IdentityKeyDir string          `json:"identity_key_dir"`
	Discovery      DiscoveryConfig `json:"discovery"`
	Registry       RegistryConfig  `json:"registry"`
	Session        SessionDefaults `json:"session"`
	Pacer          PacerConfig     `json:"pacer"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If STREAMDECK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("STREAMDECK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "boxart"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *Config {
	clientName := "streamdeck-core"
	if host, err := os.Hostname(); err == nil && host != "" {
		clientName = host
	}

	return &Config{
		ClientUUID:     uuid.NewString(),
		ClientName:     clientName,
		IdentityKeyDir: filepath.Join(dataDir, "keys"),
		Discovery: DiscoveryConfig{
			Service:         DefaultMDNSService,
			Domain:          DefaultMDNSDomain,
			RefreshInterval: DefaultDiscoveryRefreshInterval,
			ScanTimeout:     DefaultDiscoveryScanTimeout,
			MaxRetries:      DefaultDiscoveryMaxRetries,
		},
		Registry: RegistryConfig{
			PollInterval:         DefaultPollInterval,
			TriesBeforeOfflining: DefaultTriesBeforeOfflining,
			AppListRefreshPolls:  DefaultAppListRefreshPolls,
		},
		Session: SessionDefaults{
			Width:         DefaultResolutionWidth,
			Height:        DefaultResolutionHeight,
			FPS:           DefaultFPS,
			AudioChannels: 2,
			SopsEnabled:   true,
		},
		Pacer: PacerConfig{
			MaxQueuedFrames: DefaultMaxQueuedFrames,
			TimerSlackMs:    DefaultTimerSlackMillis,
		},
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.ClientUUID == "" {
		cfg.ClientUUID = uuid.NewString()
		updated = true
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "streamdeck-core"
		updated = true
	}
	if cfg.IdentityKeyDir == "" {
		cfg.IdentityKeyDir = filepath.Join(dataDir, "keys")
		updated = true
	}
	if cfg.Discovery.Service == "" {
		cfg.Discovery.Service = DefaultMDNSService
		updated = true
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = DefaultMDNSDomain
		updated = true
	}
	if cfg.Discovery.RefreshInterval <= 0 {
		cfg.Discovery.RefreshInterval = DefaultDiscoveryRefreshInterval
		updated = true
	}
	if cfg.Discovery.ScanTimeout <= 0 {
		cfg.Discovery.ScanTimeout = DefaultDiscoveryScanTimeout
		updated = true
	}
	if cfg.Discovery.MaxRetries <= 0 {
		cfg.Discovery.MaxRetries = DefaultDiscoveryMaxRetries
		updated = true
	}
	if cfg.Registry.PollInterval <= 0 {
		cfg.Registry.PollInterval = DefaultPollInterval
		updated = true
	}
	if cfg.Registry.TriesBeforeOfflining <= 0 {
		cfg.Registry.TriesBeforeOfflining = DefaultTriesBeforeOfflining
		updated = true
	}
	if cfg.Registry.AppListRefreshPolls <= 0 {
		cfg.Registry.AppListRefreshPolls = DefaultAppListRefreshPolls
		updated = true
	}
	if cfg.Session.FPS <= 0 {
		cfg.Session.FPS = DefaultFPS
		updated = true
	}
	if cfg.Session.AudioChannels <= 0 {
		cfg.Session.AudioChannels = 2
		updated = true
	}
	if cfg.Pacer.MaxQueuedFrames <= 0 {
		cfg.Pacer.MaxQueuedFrames = DefaultMaxQueuedFrames
		updated = true
	}
	if cfg.Pacer.TimerSlackMs <= 0 {
		cfg.Pacer.TimerSlackMs = DefaultTimerSlackMillis
		updated = true
	}

	return updated
}
