package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"
	"gopkg.in/yaml.v3"
)

const (
	AppName        = "Dozlo"
	AppTagline     = "Audio streaming client"
	AppDescription = "A streaming audio client with ambient sound mixing"

	ConfigDir      = ".config/dozlo"
	ConfigFileName = "config.yml"
	ResumeFileName = "resume.yml"
	DefaultVolume  = 70
	MinVolume      = 0
	MaxVolume      = 100
)

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/akumarsingh35/dozlo-sub000/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// Signing configures the external signed-URL endpoint.
type Signing struct {
	BaseURL           string `yaml:"base_url"`
	Secret            string `yaml:"secret"`
	DeviceFingerprint string `yaml:"device_fingerprint"`
	// URLExpirySeconds is the validity window of issued URLs. Zero means
	// unlimited: URLs never expire and never trigger refresh. This is a
	// deployment policy, not a protocol constant.
	URLExpirySeconds     int `yaml:"url_expiry_seconds"`
	RefreshThresholdSecs int `yaml:"refresh_threshold_seconds"`
}

func (s Signing) URLExpiry() time.Duration {
	return time.Duration(s.URLExpirySeconds) * time.Second
}

func (s Signing) RefreshThreshold() time.Duration {
	return time.Duration(s.RefreshThresholdSecs) * time.Second
}

// Playback holds the policy constants of the playback subsystem. Defaults
// are starting points, not protocol requirements.
type Playback struct {
	SessionTimeoutSecs      int     `yaml:"session_timeout_seconds"`
	RetryMaxAttempts        int     `yaml:"retry_max_attempts"`
	RetryBaseDelayMs        int     `yaml:"retry_base_delay_ms"`
	RetryMultiplier         float64 `yaml:"retry_multiplier"`
	StabilityErrorThreshold int     `yaml:"stability_error_threshold"`
	TerminationGraceSecs    int     `yaml:"termination_grace_seconds"`
	SeekToleranceSecs       int     `yaml:"seek_tolerance_seconds"`
	SeekTimeoutSecs         int     `yaml:"seek_timeout_seconds"`
	UITickMs                int     `yaml:"ui_tick_ms"`
	PersistTickSecs         int     `yaml:"persist_tick_seconds"`
	WatchdogSecs            int     `yaml:"watchdog_seconds"`
	ExpiryCheckSecs         int     `yaml:"expiry_check_seconds"`
	AmbientFadeInMs         int     `yaml:"ambient_fade_in_ms"`
	AmbientFadeOutMs        int     `yaml:"ambient_fade_out_ms"`
	AmbientStaggerMs        int     `yaml:"ambient_stagger_ms"`
	AmbientInitRetries      int     `yaml:"ambient_init_retries"`
}

func (p Playback) SessionTimeout() time.Duration {
	return time.Duration(p.SessionTimeoutSecs) * time.Second
}

func (p Playback) RetryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMs) * time.Millisecond
}

func (p Playback) TerminationGrace() time.Duration {
	return time.Duration(p.TerminationGraceSecs) * time.Second
}

func (p Playback) SeekTolerance() time.Duration {
	return time.Duration(p.SeekToleranceSecs) * time.Second
}

func (p Playback) SeekTimeout() time.Duration {
	return time.Duration(p.SeekTimeoutSecs) * time.Second
}

func (p Playback) UITick() time.Duration {
	return time.Duration(p.UITickMs) * time.Millisecond
}

func (p Playback) PersistTick() time.Duration {
	return time.Duration(p.PersistTickSecs) * time.Second
}

func (p Playback) Watchdog() time.Duration {
	return time.Duration(p.WatchdogSecs) * time.Second
}

func (p Playback) ExpiryCheck() time.Duration {
	return time.Duration(p.ExpiryCheckSecs) * time.Second
}

func (p Playback) AmbientFadeIn() time.Duration {
	return time.Duration(p.AmbientFadeInMs) * time.Millisecond
}

func (p Playback) AmbientFadeOut() time.Duration {
	return time.Duration(p.AmbientFadeOutMs) * time.Millisecond
}

func (p Playback) AmbientStagger() time.Duration {
	return time.Duration(p.AmbientStaggerMs) * time.Millisecond
}

// LibraryTrack is one configured playable entry. Path is the media
// path submitted to the signing endpoint, not a direct URL.
type LibraryTrack struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	Artist     string `yaml:"artist"`
	Path       string `yaml:"path"`
	ArtworkURL string `yaml:"artwork_url,omitempty"`
}

type Theme struct {
	Background string `yaml:"background"`
	Foreground string `yaml:"foreground"`
	Borders    string `yaml:"borders"`
	Highlight  string `yaml:"highlight"`
}

type Config struct {
	Volume int  `yaml:"volume"`
	Muted  bool `yaml:"muted"`
	// AmbientDir holds the looping ambient sound files. Empty means
	// the "ambient" subdirectory of the config directory.
	AmbientDir string         `yaml:"ambient_dir,omitempty"`
	Library    []LibraryTrack `yaml:"library"`
	Signing    Signing        `yaml:"signing"`
	Playback   Playback       `yaml:"playback"`
	Theme      Theme          `yaml:"theme"`
}

// GetAmbientDir resolves the ambient sound directory.
func (c *Config) GetAmbientDir() (string, error) {
	if c.AmbientDir != "" {
		return c.AmbientDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ConfigDir, "ambient"), nil
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ConfigDir, ConfigFileName), nil
}

// GetResumePath returns the path of the resume-position store.
func GetResumePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ConfigDir, ResumeFileName), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Volume = ClampVolume(cfg.Volume)
	cfg.Normalize()

	return cfg, nil
}

// Normalize replaces zero/invalid policy values with defaults so a
// hand-edited config cannot disable timeouts or retries entirely.
func (c *Config) Normalize() {
	def := DefaultConfig()
	p := &c.Playback

	if p.SessionTimeoutSecs <= 0 {
		p.SessionTimeoutSecs = def.Playback.SessionTimeoutSecs
	}
	if p.RetryMaxAttempts <= 0 {
		p.RetryMaxAttempts = def.Playback.RetryMaxAttempts
	}
	if p.RetryBaseDelayMs <= 0 {
		p.RetryBaseDelayMs = def.Playback.RetryBaseDelayMs
	}
	if p.RetryMultiplier <= 1 {
		p.RetryMultiplier = def.Playback.RetryMultiplier
	}
	if p.StabilityErrorThreshold <= 0 {
		p.StabilityErrorThreshold = def.Playback.StabilityErrorThreshold
	}
	if p.TerminationGraceSecs <= 0 {
		p.TerminationGraceSecs = def.Playback.TerminationGraceSecs
	}
	if p.SeekToleranceSecs <= 0 {
		p.SeekToleranceSecs = def.Playback.SeekToleranceSecs
	}
	if p.SeekTimeoutSecs <= 0 {
		p.SeekTimeoutSecs = def.Playback.SeekTimeoutSecs
	}
	if p.UITickMs <= 0 {
		p.UITickMs = def.Playback.UITickMs
	}
	if p.PersistTickSecs <= 0 {
		p.PersistTickSecs = def.Playback.PersistTickSecs
	}
	if p.WatchdogSecs <= 0 {
		p.WatchdogSecs = def.Playback.WatchdogSecs
	}
	if p.ExpiryCheckSecs <= 0 {
		p.ExpiryCheckSecs = def.Playback.ExpiryCheckSecs
	}
	if p.AmbientFadeInMs <= 0 {
		p.AmbientFadeInMs = def.Playback.AmbientFadeInMs
	}
	if p.AmbientFadeOutMs <= 0 {
		p.AmbientFadeOutMs = def.Playback.AmbientFadeOutMs
	}
	if p.AmbientStaggerMs <= 0 {
		p.AmbientStaggerMs = def.Playback.AmbientStaggerMs
	}
	if p.AmbientInitRetries <= 0 {
		p.AmbientInitRetries = def.Playback.AmbientInitRetries
	}
	if c.Signing.RefreshThresholdSecs <= 0 {
		c.Signing.RefreshThresholdSecs = def.Signing.RefreshThresholdSecs
	}
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Volume: DefaultVolume,
		Muted:  false,
		Library: []LibraryTrack{
			{ID: "focus-01", Title: "Deep Focus", Artist: "Dozlo Sessions", Path: "sessions/focus-01.mp3"},
			{ID: "calm-01", Title: "Evening Calm", Artist: "Dozlo Sessions", Path: "sessions/calm-01.mp3"},
			{ID: "sleep-01", Title: "Night Drift", Artist: "Dozlo Sessions", Path: "sessions/sleep-01.mp3"},
		},
		Signing: Signing{
			BaseURL:              "https://media.dozlo.app",
			URLExpirySeconds:     3600,
			RefreshThresholdSecs: 300,
		},
		Playback: Playback{
			SessionTimeoutSecs:      30,
			RetryMaxAttempts:        3,
			RetryBaseDelayMs:        2000,
			RetryMultiplier:         2.0,
			StabilityErrorThreshold: 5,
			TerminationGraceSecs:    30,
			SeekToleranceSecs:       2,
			SeekTimeoutSecs:         6,
			UITickMs:                250,
			PersistTickSecs:         2,
			WatchdogSecs:            2,
			ExpiryCheckSecs:         30,
			AmbientFadeInMs:         200,
			AmbientFadeOutMs:        500,
			AmbientStaggerMs:        100,
			AmbientInitRetries:      3,
		},
		Theme: Theme{
			Background: "#1a1b25",
			Foreground: "#a3aacb",
			Borders:    "#40445b",
			Highlight:  "#ff9d65",
		},
	}
}

func GetColor(colorStr string) tcell.Color {
	if colorStr == "" || colorStr == "default" {
		return tcell.ColorDefault
	}
	return tcell.GetColor(colorStr)
}
