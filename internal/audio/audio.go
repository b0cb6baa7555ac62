package audio

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InputPort is the capability the session controller drives to open and
// close the platform input path. Configure+AttachTap acquire, DetachTap+Stop
// release; both halves are idempotent and only called from the control path.
type InputPort interface {
	Configure(cfg SessionConfig) error
	AttachTap(fn FrameHandler)
	DetachTap()
	Start(ctx context.Context) error
	Stop() error
	Notifications() <-chan Notification
	ListDevices() ([]Device, error)
	Close() error
}

// FrameHandler receives captured frames on the capture goroutine. It must not block.
type FrameHandler func(Frame)

// Device represents an audio input device
type Device struct {
	ID       string
	Name     string
	Channels int
	Default  bool
}

// ChannelMode selects how the input channels are presented to the tap.
type ChannelMode int

const (
	ChannelModeMono ChannelMode = iota
	ChannelModeStereo
	// ChannelModeDownmix opens the device's native channels and averages them to mono.
	ChannelModeDownmix
)

func (m ChannelMode) String() string {
	switch m {
	case ChannelModeMono:
		return "mono"
	case ChannelModeStereo:
		return "stereo"
	case ChannelModeDownmix:
		return "downmix"
	default:
		return fmt.Sprintf("ChannelMode(%d)", int(m))
	}
}

// Channels is the channel count of the frames delivered to the tap.
func (m ChannelMode) Channels() int {
	if m == ChannelModeStereo {
		return 2
	}
	return 1
}

// ParseChannelMode accepts "mono", "stereo" or "downmix" (case-insensitive).
func ParseChannelMode(s string) (ChannelMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mono":
		return ChannelModeMono, nil
	case "stereo":
		return ChannelModeStereo, nil
	case "downmix":
		return ChannelModeDownmix, nil
	}
	return 0, fmt.Errorf("unknown channel mode %q", s)
}

const (
	MinSampleRate   = 8000
	MaxSampleRate   = 192000
	MaxBufferFrames = 16384
)

// SessionConfig is fixed for the lifetime of one monitoring session.
type SessionConfig struct {
	DeviceID     string // empty selects the default input
	SampleRate   int
	BufferFrames int
	ChannelMode  ChannelMode
}

// DefaultSessionConfig returns 16 kHz mono with 512-frame buffers.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate:   16000,
		BufferFrames: 512,
		ChannelMode:  ChannelModeMono,
	}
}

func (c SessionConfig) Validate() error {
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		return fmt.Errorf("sample rate %d outside [%d, %d]", c.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if c.BufferFrames <= 0 || c.BufferFrames > MaxBufferFrames {
		return fmt.Errorf("buffer size %d outside [1, %d]", c.BufferFrames, MaxBufferFrames)
	}
	if c.ChannelMode < ChannelModeMono || c.ChannelMode > ChannelModeDownmix {
		return fmt.Errorf("invalid channel mode %s", c.ChannelMode)
	}
	return nil
}

// BufferDuration is the capture cadence implied by the config.
func (c SessionConfig) BufferDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.BufferFrames) * time.Second / time.Duration(c.SampleRate)
}

// Frame is one buffer of interleaved samples. Frames are never mutated after
// the port hands them to the tap.
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Index      uint64        // position in the session, starting at 0
	Timestamp  time.Duration // capture offset derived from the sample count
	CapturedAt time.Time
}

// FrameCount is the number of sample frames (samples per channel).
func (f Frame) FrameCount() int {
	if f.Channels <= 0 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// NotificationKind identifies an asynchronous platform notification.
type NotificationKind int

const (
	InterruptionBegan NotificationKind = iota
	InterruptionEnded
	RouteChanged
)

func (k NotificationKind) String() string {
	switch k {
	case InterruptionBegan:
		return "interruption_began"
	case InterruptionEnded:
		return "interruption_ended"
	case RouteChanged:
		return "route_changed"
	default:
		return fmt.Sprintf("NotificationKind(%d)", int(k))
	}
}

// Notification is posted by a port when the platform interrupts capture or
// the active input route changes.
type Notification struct {
	Kind      NotificationKind
	Reason    string
	Resumable bool
	At        time.Time
}
