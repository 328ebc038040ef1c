// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Network    NetworkConfig  `yaml:"network"`
	Game       GameConfig     `yaml:"game"`
	Session    SessionConfig  `yaml:"session"`
	Audio      AudioConfig    `yaml:"audio"`
	Control    ControlConfig  `yaml:"control"`
	Automation map[string]any `yaml:"automation"`
}

// ServerConfig represents the HTTP server configuration.
type ServerConfig struct {
	Port   int         `yaml:"port" default:"5000" validate:"gt=0,lte=65535"`
	SSL    bool        `yaml:"ssl"`
	Chain  string      `yaml:"chain"`
	Key    string      `yaml:"key"`
	Domain string      `yaml:"domain" default:"localhost"`
	Hooks  HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// NetworkConfig represents hotspot and port forwarding configuration.
// Empty values skip the corresponding boot step.
type NetworkConfig struct {
	StartHotspot   string `yaml:"start_hotspot"`
	HotspotDevice  string `yaml:"hotspot_device"`
	InternetDevice string `yaml:"internet_device"`
	RemapSSLPort   bool   `yaml:"remap_ssl_port"`
}

// GameConfig represents the karaoke game integration configuration.
type GameConfig struct {
	Dir          string `yaml:"dir" default:"../usdx"`
	PlaylistName string `yaml:"playlist_name" default:"SmartMicSession.upl"`
	AudioExt     string `yaml:"audio_ext" default:"m4a"`
	SkipScan     bool   `yaml:"skip_scan"`
	RunGame      bool   `yaml:"run_game"`
	SetInputs    bool   `yaml:"set_inputs"`
	LogPath      string `yaml:"log_path"`
	WindowTitle  string `yaml:"window_title" default:"UltraStar"`
}

// SessionConfig represents player session handling configuration.
type SessionConfig struct {
	MaxNameLength    int    `yaml:"max_name_length" default:"16" validate:"gt=0"`
	StaleAfterSec    int    `yaml:"stale_after_sec" default:"10" validate:"gt=0"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec" default:"2" validate:"gt=0"`
	CookieSecret     string `yaml:"cookie_secret"`
	DataDir          string `yaml:"data_dir" default:"data"`
}

// AudioConfig represents audio graph and ingress process configuration.
type AudioConfig struct {
	SinkPrefix          string `yaml:"sink_prefix" default:"smartphone-mic"`
	IngressBinary       string `yaml:"ingress_binary" default:"./pulse-receive/pulse-receive"`
	PulseBuf            string `yaml:"pulse_buf" default:"20ms"`
	StartWaitSec        int    `yaml:"start_wait_sec" default:"20" validate:"gt=0"`
	PortAttempts        int    `yaml:"port_attempts" default:"300" validate:"gt=0"`
	PortIntervalMs      int    `yaml:"port_interval_ms" default:"50" validate:"gt=0"`
	LivenessIntervalSec int    `yaml:"liveness_interval_sec" default:"5" validate:"gt=0"`
}

// ControlConfig represents the operator control surface configuration.
type ControlConfig struct {
	Password       string `yaml:"password"`
	Only           bool   `yaml:"only"`
	OverlayCommand string `yaml:"overlay_command"`
}

// Load loads configuration from a YAML file. A missing file yields a config
// made entirely of defaults, since the server is commonly driven by flags.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, errors.Wrap(err, "failed to read config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("SMARTMIC_CONTROL_PASSWORD"); v != "" {
		c.Control.Password = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		c.Session.CookieSecret = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if c.Server.SSL && (c.Server.Chain == "" || c.Server.Key == "") {
		return errors.New("ssl requires both chain and key files")
	}

	return nil
}

// PlaylistPath returns the path of the session playlist inside the game
// directory.
func (c *Config) PlaylistPath() string {
	return filepath.Join(c.Game.Dir, "playlists", c.Game.PlaylistName)
}

// GameConfigPath returns the path of the game's config.ini.
func (c *Config) GameConfigPath() string {
	return filepath.Join(c.Game.Dir, "config.ini")
}

// GameLogPath returns the configured game log path, defaulting to Error.log
// inside the game directory.
func (c *Config) GameLogPath() string {
	if c.Game.LogPath != "" {
		return c.Game.LogPath
	}
	return filepath.Join(c.Game.Dir, "logs", "Error.log")
}

// CapacityPath returns the path of the persisted room capacity store.
func (c *Config) CapacityPath() string {
	return filepath.Join(c.Session.DataDir, "room_capacity.json")
}

// IndexPath returns the path of the persisted song index.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Session.DataDir, "songs_index.json")
}
