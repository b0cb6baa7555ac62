package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/permissions"
)

// readLoopGrace bounds how long Stop waits for a blocked Read to return.
const readLoopGrace = 2 * time.Second

type portAudioPort struct {
	log zerolog.Logger

	mu       sync.Mutex
	cfg      SessionConfig
	stream   *portaudio.Stream
	buffer   []float32
	channels int           // channels opened on the device
	reading  chan struct{} // closed when the read loop exits
	stopping atomic.Bool

	tapMu sync.RWMutex
	tap   FrameHandler

	notify chan Notification
}

// NewPortAudio creates a PortAudio-backed input port
func NewPortAudio(log zerolog.Logger) (InputPort, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, translate("initialize", err)
	}
	return &portAudioPort{
		log:    log.With().Str("component", "portaudio").Logger(),
		notify: make(chan Notification, 8),
	}, nil
}

func (p *portAudioPort) Configure(cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return &HardwareError{Op: "configure", Code: CodeUnsupportedFormat, Err: err}
	}
	if err := permissions.EnsureMicrophone(); err != nil {
		return &HardwareError{Op: "configure", Code: CodePermissionDenied, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A reconfigure always rebuilds the stream against the current route.
	if err := p.releaseLocked(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to release previous stream")
	}

	device, err := findDevice(cfg.DeviceID)
	if err != nil {
		return err
	}

	channels := cfg.ChannelMode.Channels()
	if cfg.ChannelMode == ChannelModeDownmix {
		channels = device.MaxInputChannels
		if channels > 2 {
			channels = 2
		}
	}
	if channels < 1 || device.MaxInputChannels < channels {
		return &HardwareError{
			Op:   "configure",
			Code: CodeUnsupportedFormat,
			Err:  fmt.Errorf("device %q has %d input channels, need %d", device.Name, device.MaxInputChannels, channels),
		}
	}

	// Interleaved float32, one read per BufferFrames
	buffer := make([]float32, cfg.BufferFrames*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.BufferFrames,
	}, buffer)
	if err != nil {
		return translate("configure", err)
	}

	p.cfg = cfg
	p.stream = stream
	p.buffer = buffer
	p.channels = channels

	p.log.Debug().
		Str("device", device.Name).
		Int("sample_rate", cfg.SampleRate).
		Int("buffer_frames", cfg.BufferFrames).
		Int("channels", channels).
		Str("mode", cfg.ChannelMode.String()).
		Msg("Input stream configured")
	return nil
}

func (p *portAudioPort) AttachTap(fn FrameHandler) {
	p.tapMu.Lock()
	p.tap = fn
	p.tapMu.Unlock()
}

// DetachTap returns once any callback already running has completed.
func (p *portAudioPort) DetachTap() {
	p.tapMu.Lock()
	p.tap = nil
	p.tapMu.Unlock()
}

func (p *portAudioPort) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return &HardwareError{Op: "start", Code: CodeNotConfigured}
	}
	if p.reading != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &HardwareError{Op: "start", Code: CodeTimedOut, Err: err}
	}

	if err := p.stream.Start(); err != nil {
		return translate("start", err)
	}

	done := make(chan struct{})
	p.reading = done
	p.stopping.Store(false)
	go p.readLoop(p.stream, p.buffer, p.channels, p.cfg, done)

	p.log.Debug().Msg("Input stream started")
	return nil
}

func (p *portAudioPort) readLoop(stream *portaudio.Stream, buffer []float32, channels int, cfg SessionConfig, done chan struct{}) {
	defer close(done)

	var index uint64
	for {
		err := stream.Read()
		if p.stopping.Load() {
			return
		}
		if err != nil {
			if !errors.Is(err, portaudio.InputOverflowed) {
				p.log.Warn().Err(err).Msg("Input stream read failed")
				p.post(Notification{
					Kind:      RouteChanged,
					Reason:    "input stream lost",
					Resumable: true,
					At:        time.Now(),
				})
				return
			}
			// Overflow still fills the buffer; the frame is late, not lost.
			p.log.Debug().Uint64("frame", index).Msg("Input overflow")
		}

		var samples []float32
		if cfg.ChannelMode == ChannelModeDownmix {
			samples = downmixInterleaved(buffer, channels, cfg.BufferFrames)
		} else {
			samples = make([]float32, len(buffer))
			copy(samples, buffer)
		}

		p.deliver(Frame{
			Samples:    samples,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.ChannelMode.Channels(),
			Index:      index,
			Timestamp:  sampleOffset(index*uint64(cfg.BufferFrames), cfg.SampleRate),
			CapturedAt: time.Now(),
		})
		index++
	}
}

func (p *portAudioPort) deliver(frame Frame) {
	p.tapMu.RLock()
	defer p.tapMu.RUnlock()
	if p.tap != nil {
		p.tap(frame)
	}
}

func (p *portAudioPort) post(n Notification) {
	select {
	case p.notify <- n:
	default:
		p.log.Warn().Str("kind", n.Kind.String()).Msg("Notification queue full, dropping")
	}
}

func (p *portAudioPort) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked()
}

func (p *portAudioPort) releaseLocked() error {
	if p.stream == nil {
		return nil
	}

	p.stopping.Store(true)

	var errs []error
	if p.reading != nil {
		if err := p.stream.Stop(); err != nil && !errors.Is(err, portaudio.StreamIsStopped) {
			errs = append(errs, translate("stop", err))
		}
		select {
		case <-p.reading:
		case <-time.After(readLoopGrace):
			// Closing under a blocked Read is unsafe; leak the stream instead.
			p.log.Error().Msg("Read loop did not exit, abandoning stream")
			p.stream, p.buffer, p.reading = nil, nil, nil
			return errors.Join(append(errs, &HardwareError{Op: "stop", Code: CodeTimedOut})...)
		}
		p.reading = nil
	}

	if err := p.stream.Close(); err != nil {
		errs = append(errs, translate("stop", err))
	}
	p.stream = nil
	p.buffer = nil

	p.log.Debug().Msg("Input stream released")
	return errors.Join(errs...)
}

func (p *portAudioPort) Notifications() <-chan Notification {
	return p.notify
}

func (p *portAudioPort) ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, translate("list", err)
	}

	result := make([]Device, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, Device{
				ID:       d.Name,
				Name:     d.Name,
				Channels: d.MaxInputChannels,
				Default:  defaultDevice != nil && d.Name == defaultDevice.Name,
			})
		}
	}

	return result, nil
}

func (p *portAudioPort) Close() error {
	err := p.Stop()
	if termErr := portaudio.Terminate(); termErr != nil {
		err = errors.Join(err, translate("terminate", termErr))
	}
	return err
}

func findDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, &HardwareError{Op: "configure", Code: CodeDeviceNotFound, Err: err}
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, translate("configure", err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, &HardwareError{
		Op:   "configure",
		Code: CodeDeviceNotFound,
		Err:  fmt.Errorf("no input device named %q", deviceID),
	}
}

// translate maps PortAudio error codes onto the port's error taxonomy.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	code := CodeUnknown
	switch {
	case errors.Is(err, portaudio.NotInitialized):
		code = CodeNotInitialized
	case errors.Is(err, portaudio.InvalidDevice):
		code = CodeDeviceNotFound
	case errors.Is(err, portaudio.DeviceUnavailable):
		code = CodeDeviceUnavailable
	case errors.Is(err, portaudio.InvalidChannelCount),
		errors.Is(err, portaudio.InvalidSampleRate),
		errors.Is(err, portaudio.SampleFormatNotSupported):
		code = CodeUnsupportedFormat
	case errors.Is(err, portaudio.TimedOut):
		code = CodeTimedOut
	}
	return NewHardwareError(op, code, err)
}

// sampleOffset converts a sample count into a duration without overflowing
// for long sessions.
func sampleOffset(samples uint64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	rate := uint64(sampleRate)
	secs := samples / rate
	rem := samples % rate
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate)
}
