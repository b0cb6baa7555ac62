package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/speakbetter/coach-capture/internal/audio"
	"github.com/speakbetter/coach-capture/internal/vad"
	"github.com/spf13/viper"
)

const (
	appName    = "coach-capture"
	configName = "config"
	envPrefix  = "COACH"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Session  SessionConfig  `mapstructure:"session"`
	Activity ActivityConfig `mapstructure:"activity"`
	Record   RecordConfig   `mapstructure:"record"`
}

type AudioConfig struct {
	DeviceID     string `mapstructure:"device_id"` // empty selects the system default
	SampleRate   int    `mapstructure:"sample_rate"`
	BufferFrames int    `mapstructure:"buffer_frames"`
	ChannelMode  string `mapstructure:"channel_mode"` // "mono", "stereo" or "downmix"
}

type SessionConfig struct {
	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	TeardownTimeout  time.Duration `mapstructure:"teardown_timeout"`
	SilenceThreshold float64       `mapstructure:"silence_threshold"`
	LevelBuffer      int           `mapstructure:"level_buffer"`
	StateBuffer      int           `mapstructure:"state_buffer"`
}

type ActivityConfig struct {
	OnsetRatio float64       `mapstructure:"onset_ratio"`
	FluxFloor  float64       `mapstructure:"flux_floor"`
	Hangover   time.Duration `mapstructure:"hangover"`
}

type RecordConfig struct {
	Dir        string `mapstructure:"dir"`
	ActiveOnly bool   `mapstructure:"active_only"`
}

func Default() *Config {
	sc := audio.DefaultSessionConfig()
	act := vad.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			SampleRate:   sc.SampleRate,
			BufferFrames: sc.BufferFrames,
			ChannelMode:  sc.ChannelMode.String(),
		},
		Session: SessionConfig{
			StartTimeout:     3 * time.Second,
			TeardownTimeout:  2 * time.Second,
			SilenceThreshold: 0.01,
			LevelBuffer:      64,
			StateBuffer:      32,
		},
		Activity: ActivityConfig{
			OnsetRatio: act.OnsetRatio,
			FluxFloor:  act.FluxFloor,
			Hangover:   act.Hangover,
		},
		Record: RecordConfig{
			Dir: RecordingsPath(),
		},
	}
}

// Load reads the config file (cfgFile, or config.yaml from the config dir or
// the working directory), a .env file if present, and COACH_* environment
// overrides such as COACH_AUDIO_SAMPLE_RATE. A missing config file is not an
// error.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range values(Default()) {
		v.SetDefault(key, value)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to config.yaml in the config dir.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg to cfgFile; the format follows the file extension.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, value := range values(cfg) {
		v.Set(key, value)
	}

	path := cfgFile
	if path == "" {
		path = filepath.Join(ConfigDir(), configName+".yaml")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return v.WriteConfigAs(path)
}

func values(cfg *Config) map[string]any {
	return map[string]any{
		"log_level":                 cfg.LogLevel,
		"audio.device_id":           cfg.Audio.DeviceID,
		"audio.sample_rate":         cfg.Audio.SampleRate,
		"audio.buffer_frames":       cfg.Audio.BufferFrames,
		"audio.channel_mode":        cfg.Audio.ChannelMode,
		"session.start_timeout":     cfg.Session.StartTimeout.String(),
		"session.teardown_timeout":  cfg.Session.TeardownTimeout.String(),
		"session.silence_threshold": cfg.Session.SilenceThreshold,
		"session.level_buffer":      cfg.Session.LevelBuffer,
		"session.state_buffer":      cfg.Session.StateBuffer,
		"activity.onset_ratio":      cfg.Activity.OnsetRatio,
		"activity.flux_floor":       cfg.Activity.FluxFloor,
		"activity.hangover":         cfg.Activity.Hangover.String(),
		"record.dir":                cfg.Record.Dir,
		"record.active_only":        cfg.Record.ActiveOnly,
	}
}

// SessionConfig returns the capture format for the hardware port.
func (c *Config) SessionConfig() (audio.SessionConfig, error) {
	mode, err := audio.ParseChannelMode(c.Audio.ChannelMode)
	if err != nil {
		return audio.SessionConfig{}, err
	}
	sc := audio.SessionConfig{
		DeviceID:     c.Audio.DeviceID,
		SampleRate:   c.Audio.SampleRate,
		BufferFrames: c.Audio.BufferFrames,
		ChannelMode:  mode,
	}
	return sc, sc.Validate()
}

func (c *Config) ActivityConfig() vad.Config {
	return vad.Config{
		OnsetRatio: c.Activity.OnsetRatio,
		FluxFloor:  c.Activity.FluxFloor,
		Hangover:   c.Activity.Hangover,
	}
}

// ConfigDir returns the platform-specific config directory
func ConfigDir() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, appName)
}

// RecordingsPath returns the platform-specific directory for WAV recordings
func RecordingsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, appName, "recordings")
}
