// Package vad annotates frames with a spectral-flux voice activity flag.
//
// Onset is a jump in spectral flux relative to the previous frame; activity
// is held until the input has stayed silent for the hangover period, so short
// pauses between words do not flicker the flag.
package vad

import (
	"math/cmplx"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

type Config struct {
	// OnsetRatio is how much the flux must grow over the previous frame.
	OnsetRatio float64
	// FluxFloor keeps a silent history from making any noise look like an onset.
	FluxFloor float64
	// Hangover is how long silence must last before activity ends.
	Hangover time.Duration
}

func DefaultConfig() Config {
	return Config{
		OnsetRatio: 1.75,
		FluxFloor:  1e-3,
		Hangover:   200 * time.Millisecond,
	}
}

type Detector struct {
	cfg Config

	prev       []float64
	window     []float64
	lastFlux   float64
	active     bool
	quiet      bool
	quietSince time.Duration
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.OnsetRatio <= 1 {
		cfg.OnsetRatio = def.OnsetRatio
	}
	if cfg.FluxFloor <= 0 {
		cfg.FluxFloor = def.FluxFloor
	}
	if cfg.Hangover < 0 {
		cfg.Hangover = 0
	}
	return &Detector{cfg: cfg}
}

// Flux returns the positive spectral difference between samples and the
// previously analysed frame. The first frame is compared against silence.
func (d *Detector) Flux(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	if cap(d.window) < len(samples) {
		d.window = make([]float64, len(samples))
	}
	x := d.window[:len(samples)]
	for i, s := range samples {
		x[i] = float64(s)
	}

	spectrum := fft.FFTReal(x)
	bins := len(spectrum)/2 + 1
	mags := make([]float64, bins)
	for i := 0; i < bins; i++ {
		mags[i] = cmplx.Abs(spectrum[i])
	}

	// A frame size change restarts the comparison from silence.
	usePrev := len(d.prev) == bins
	var flux float64
	for i, m := range mags {
		var p float64
		if usePrev {
			p = d.prev[i]
		}
		if diff := m - p; diff > 0 {
			flux += diff
		}
	}
	d.prev = mags
	return flux
}

// Update analyses one frame captured at ts and returns its flux and whether
// speech activity is ongoing. silent is the frame's level-based silence flag.
func (d *Detector) Update(samples []float32, ts time.Duration, silent bool) (float64, bool) {
	flux := d.Flux(samples)

	if d.active {
		if silent {
			if !d.quiet {
				d.quiet = true
				d.quietSince = ts
			} else if ts-d.quietSince >= d.cfg.Hangover {
				d.active = false
				d.quiet = false
			}
		} else {
			d.quiet = false
		}
		d.lastFlux = flux
		return flux, d.active
	}

	baseline := d.lastFlux
	if baseline < d.cfg.FluxFloor {
		baseline = d.cfg.FluxFloor
	}
	if !silent && flux >= baseline*d.cfg.OnsetRatio {
		d.active = true
		d.quiet = false
	}
	d.lastFlux = flux
	return flux, d.active
}

// Active reports the current activity state without analysing a frame.
func (d *Detector) Active() bool {
	return d.active
}

// Reset forgets all history; the next frame is treated as the first.
func (d *Detector) Reset() {
	d.prev = nil
	d.lastFlux = 0
	d.active = false
	d.quiet = false
	d.quietSince = 0
}
