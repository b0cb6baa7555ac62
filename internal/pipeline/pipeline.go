// Package pipeline turns tapped audio frames into level events.
//
// The capture goroutine calls Handle for every frame. Handle never waits on
// the control path: if Attach or Detach holds the gate, the frame is
// discarded. Detach returns only after any frame already past the gate has
// been published, so nothing reaches the sink once it returns.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/audio"
	"github.com/speakbetter/coach-capture/internal/vad"
)

// LevelEvent is emitted once per captured frame.
type LevelEvent struct {
	SessionID  string
	Sequence   uint64
	Timestamp  time.Duration
	CapturedAt time.Time
	Peak       float64
	RMS        float64
	Silent     bool
	Flux       float64
	Active     bool
	Frame      audio.Frame
}

// Publisher is satisfied by events.Sink[LevelEvent].
type Publisher interface {
	Publish(LevelEvent) bool
}

// Session carries what the pipeline needs for one attach.
type Session struct {
	ID     string
	Config audio.SessionConfig
}

type Config struct {
	Sink             Publisher
	SilenceThreshold float64
	Activity         vad.Config
	Logger           zerolog.Logger
}

type Pipeline struct {
	sink      Publisher
	threshold float64
	log       zerolog.Logger

	gate     sync.RWMutex
	attached bool
	session  Session

	// Per-frame state; only the capture goroutine touches it while attached.
	frameMu   sync.Mutex
	seq       uint64
	lastIndex uint64
	seen      bool
	activity  *vad.Detector

	processed atomic.Uint64
	discarded atomic.Uint64
}

func New(cfg Config) *Pipeline {
	threshold := cfg.SilenceThreshold
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return &Pipeline{
		sink:      cfg.Sink,
		threshold: threshold,
		log:       cfg.Logger.With().Str("component", "pipeline").Logger(),
		activity:  vad.New(cfg.Activity),
	}
}

// Attach starts forwarding frames for session. Activity history and frame
// indexes restart; sequence numbers continue when the same session is
// re-attached after an interruption.
func (p *Pipeline) Attach(session Session) {
	p.gate.Lock()
	defer p.gate.Unlock()

	if session.ID != p.session.ID {
		p.seq = 0
	}
	p.session = session
	p.lastIndex = 0
	p.seen = false
	p.activity.Reset()
	p.attached = true

	p.log.Debug().Str("session", session.ID).Msg("Pipeline attached")
}

// Detach stops forwarding. When it returns, no further event is published
// until the next Attach.
func (p *Pipeline) Detach() {
	p.gate.Lock()
	defer p.gate.Unlock()

	if !p.attached {
		return
	}
	p.attached = false
	p.log.Debug().
		Str("session", p.session.ID).
		Uint64("events", p.seq).
		Msg("Pipeline detached")
}

func (p *Pipeline) Attached() bool {
	p.gate.RLock()
	defer p.gate.RUnlock()
	return p.attached
}

// Handle is the tap callback.
func (p *Pipeline) Handle(frame audio.Frame) {
	if !p.gate.TryRLock() {
		p.discarded.Add(1)
		return
	}
	defer p.gate.RUnlock()

	if !p.attached {
		p.discarded.Add(1)
		return
	}

	p.frameMu.Lock()
	defer p.frameMu.Unlock()

	if p.seen && frame.Index <= p.lastIndex {
		p.discarded.Add(1)
		return
	}
	p.seen = true
	p.lastIndex = frame.Index

	levels := Measure(frame.Samples, p.threshold)
	flux, active := p.activity.Update(frame.Samples, frame.Timestamp, levels.Silent)

	ev := LevelEvent{
		SessionID:  p.session.ID,
		Sequence:   p.seq,
		Timestamp:  frame.Timestamp,
		CapturedAt: frame.CapturedAt,
		Peak:       levels.Peak,
		RMS:        levels.RMS,
		Silent:     levels.Silent,
		Flux:       flux,
		Active:     active,
		Frame:      frame,
	}
	p.seq++
	p.processed.Add(1)

	if p.sink != nil {
		p.sink.Publish(ev)
	}
}

// Processed counts frames turned into events.
func (p *Pipeline) Processed() uint64 {
	return p.processed.Load()
}

// Discarded counts frames dropped because the pipeline was detached, busy
// attaching or detaching, or the frame was a duplicate.
func (p *Pipeline) Discarded() uint64 {
	return p.discarded.Load()
}
