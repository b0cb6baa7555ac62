package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/audio"
)

// Validate checks the config and returns every problem found. Values that
// would break capture are clamped to a safe range; the caller decides whether
// the remaining errors are fatal.
func (c *Config) Validate() []error {
	var errs []error

	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
		}
	}

	if _, err := audio.ParseChannelMode(c.Audio.ChannelMode); err != nil {
		errs = append(errs, fmt.Errorf("audio.channel_mode: %w, using mono", err))
		c.Audio.ChannelMode = audio.ChannelModeMono.String()
	}

	if c.Audio.SampleRate < audio.MinSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is below minimum %d, clamping", c.Audio.SampleRate, audio.MinSampleRate))
		c.Audio.SampleRate = audio.MinSampleRate
	} else if c.Audio.SampleRate > audio.MaxSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d exceeds maximum %d, clamping", c.Audio.SampleRate, audio.MaxSampleRate))
		c.Audio.SampleRate = audio.MaxSampleRate
	}

	if c.Audio.BufferFrames < 1 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames %d is below minimum 1, clamping", c.Audio.BufferFrames))
		c.Audio.BufferFrames = 1
	} else if c.Audio.BufferFrames > audio.MaxBufferFrames {
		errs = append(errs, fmt.Errorf("audio.buffer_frames %d exceeds maximum %d, clamping", c.Audio.BufferFrames, audio.MaxBufferFrames))
		c.Audio.BufferFrames = audio.MaxBufferFrames
	}

	errs = append(errs, clampDuration("session.start_timeout", &c.Session.StartTimeout, 100*time.Millisecond, time.Minute)...)
	errs = append(errs, clampDuration("session.teardown_timeout", &c.Session.TeardownTimeout, 100*time.Millisecond, time.Minute)...)
	errs = append(errs, clampDuration("activity.hangover", &c.Activity.Hangover, 0, 10*time.Second)...)

	if c.Session.SilenceThreshold <= 0 || c.Session.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("session.silence_threshold %g must be between 0 and 1, using 0.01", c.Session.SilenceThreshold))
		c.Session.SilenceThreshold = 0.01
	}

	if c.Session.LevelBuffer < 1 {
		errs = append(errs, fmt.Errorf("session.level_buffer %d is below minimum 1, clamping", c.Session.LevelBuffer))
		c.Session.LevelBuffer = 1
	}
	if c.Session.StateBuffer < 1 {
		errs = append(errs, fmt.Errorf("session.state_buffer %d is below minimum 1, clamping", c.Session.StateBuffer))
		c.Session.StateBuffer = 1
	}

	if c.Activity.OnsetRatio <= 1 {
		errs = append(errs, fmt.Errorf("activity.onset_ratio %g must be above 1, using 1.75", c.Activity.OnsetRatio))
		c.Activity.OnsetRatio = 1.75
	}

	return errs
}

func clampDuration(name string, d *time.Duration, min, max time.Duration) []error {
	switch {
	case *d < min:
		err := fmt.Errorf("%s %s is below minimum %s, clamping", name, *d, min)
		*d = min
		return []error{err}
	case *d > max:
		err := fmt.Errorf("%s %s exceeds maximum %s, clamping", name, *d, max)
		*d = max
		return []error{err}
	}
	return nil
}
