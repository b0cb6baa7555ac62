// Package audiotest provides a scriptable audio.InputPort for tests.
package audiotest

import (
	"context"
	"sync"
	"time"

	"github.com/speakbetter/coach-capture/internal/audio"
)

// Port records every call and lets tests inject frames, failures and
// platform notifications.
type Port struct {
	mu           sync.Mutex
	configs      []audio.SessionConfig
	configured   bool
	running      bool
	configureErr error
	startErr     error
	stopErr      error
	stopDelay    time.Duration
	startGate    chan struct{}
	starts       int
	stops        int
	attaches     int
	detaches     int
	devices      []audio.Device
	closed       bool

	tapMu sync.RWMutex
	tap   audio.FrameHandler

	notify chan audio.Notification
}

func NewPort() *Port {
	return &Port{
		notify: make(chan audio.Notification, 16),
		devices: []audio.Device{
			{ID: "default", Name: "Default", Channels: 1, Default: true},
		},
	}
}

// FailConfigure makes subsequent Configure calls return err (nil clears it).
func (p *Port) FailConfigure(err error) {
	p.mu.Lock()
	p.configureErr = err
	p.mu.Unlock()
}

// FailStart makes subsequent Start calls return err (nil clears it).
func (p *Port) FailStart(err error) {
	p.mu.Lock()
	p.startErr = err
	p.mu.Unlock()
}

// FailStop makes subsequent Stop calls return err after releasing.
func (p *Port) FailStop(err error) {
	p.mu.Lock()
	p.stopErr = err
	p.mu.Unlock()
}

// DelayStop makes subsequent Stop calls sleep for d before releasing.
func (p *Port) DelayStop(d time.Duration) {
	p.mu.Lock()
	p.stopDelay = d
	p.mu.Unlock()
}

// HoldStart blocks Start until the returned release func is called or the
// context passed to Start is done.
func (p *Port) HoldStart() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.startGate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.startGate == gate {
				p.startGate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

func (p *Port) SetDevices(devices []audio.Device) {
	p.mu.Lock()
	p.devices = devices
	p.mu.Unlock()
}

func (p *Port) Configure(cfg audio.SessionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configureErr != nil {
		return p.configureErr
	}
	p.running = false
	p.configured = true
	p.configs = append(p.configs, cfg)
	return nil
}

func (p *Port) AttachTap(fn audio.FrameHandler) {
	p.tapMu.Lock()
	p.tap = fn
	p.tapMu.Unlock()

	p.mu.Lock()
	p.attaches++
	p.mu.Unlock()
}

func (p *Port) DetachTap() {
	p.tapMu.Lock()
	p.tap = nil
	p.tapMu.Unlock()

	p.mu.Lock()
	p.detaches++
	p.mu.Unlock()
}

func (p *Port) Start(ctx context.Context) error {
	p.mu.Lock()
	gate := p.startGate
	p.starts++
	stopsAtEntry := p.stops
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &audio.HardwareError{Op: "start", Code: audio.CodeTimedOut, Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	if !p.configured {
		return &audio.HardwareError{Op: "start", Code: audio.CodeNotConfigured}
	}
	// A Stop that raced this Start wins, as it does on real hardware where
	// both calls are serialized.
	p.running = p.stops == stopsAtEntry
	return nil
}

func (p *Port) Stop() error {
	p.mu.Lock()
	delay := p.stopDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.configured = false
	p.stops++
	return p.stopErr
}

func (p *Port) Notifications() <-chan audio.Notification {
	return p.notify
}

func (p *Port) ListDevices() ([]audio.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Device(nil), p.devices...), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.running = false
	p.mu.Unlock()
	return nil
}

// Emit delivers frame to the attached tap on the caller's goroutine and
// reports whether a tap was attached.
func (p *Port) Emit(frame audio.Frame) bool {
	p.tapMu.RLock()
	defer p.tapMu.RUnlock()
	if p.tap == nil {
		return false
	}
	p.tap(frame)
	return true
}

// Notify posts a platform notification as the hardware would.
func (p *Port) Notify(n audio.Notification) {
	p.notify <- n
}

func (p *Port) TapAttached() bool {
	p.tapMu.RLock()
	defer p.tapMu.RUnlock()
	return p.tap != nil
}

func (p *Port) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Port) Configs() []audio.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.SessionConfig(nil), p.configs...)
}

// Calls returns the number of Start, Stop, AttachTap and DetachTap calls.
func (p *Port) Calls() (starts, stops, attaches, detaches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops, p.attaches, p.detaches
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Frame builds a mono frame at 16 kHz from samples.
func Frame(index uint64, samples ...float32) audio.Frame {
	return audio.Frame{
		Samples:    samples,
		SampleRate: 16000,
		Channels:   1,
		Index:      index,
	}
}
