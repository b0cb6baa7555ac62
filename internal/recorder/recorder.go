// Package recorder writes the frames carried by level events to 16-bit PCM
// WAV files, one file per session.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/pipeline"
	"github.com/spf13/afero"
)

const bitDepth = 16

type Config struct {
	Fs     afero.Fs
	Dir    string
	Logger zerolog.Logger
	// ActiveOnly skips frames the activity detector did not flag.
	ActiveOnly bool
}

type Recorder struct {
	fs         afero.Fs
	dir        string
	log        zerolog.Logger
	activeOnly bool

	file    afero.File
	enc     *wav.Encoder
	session string
	rate    int
	chans   int
	frames  int
	written []string
}

func New(cfg Config) (*Recorder, error) {
	if cfg.Fs == nil {
		return nil, fmt.Errorf("fs is nil")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recording dir is empty")
	}
	if err := cfg.Fs.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}

	return &Recorder{
		fs:         cfg.Fs,
		dir:        cfg.Dir,
		log:        cfg.Logger.With().Str("component", "recorder").Logger(),
		activeOnly: cfg.ActiveOnly,
	}, nil
}

// Consume writes every event until events is closed or ctx is done, then
// finalizes the open file. It returns the paths of the files written.
func (r *Recorder) Consume(ctx context.Context, events <-chan pipeline.LevelEvent) ([]string, error) {
	for {
		select {
		case <-ctx.Done():
			return r.written, r.Close()
		case ev, ok := <-events:
			if !ok {
				return r.written, r.Close()
			}
			if err := r.Write(ev); err != nil {
				return r.written, errors.Join(err, r.Close())
			}
		}
	}
}

// Write appends the event's frame to the file of its session, starting a new
// file when the session or the frame format changes.
func (r *Recorder) Write(ev pipeline.LevelEvent) error {
	if r.activeOnly && !ev.Active {
		return nil
	}
	frame := ev.Frame
	if len(frame.Samples) == 0 {
		return nil
	}

	if r.enc == nil || ev.SessionID != r.session || frame.SampleRate != r.rate || frame.Channels != r.chans {
		if err := r.Close(); err != nil {
			return err
		}
		if err := r.open(ev); err != nil {
			return err
		}
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: r.chans,
			SampleRate:  r.rate,
		},
		Data:           toPCM16(frame.Samples),
		SourceBitDepth: bitDepth,
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", frame.Index, err)
	}
	r.frames++
	return nil
}

// Close finalizes the WAV header of the open file, if any.
func (r *Recorder) Close() error {
	if r.enc == nil {
		return nil
	}
	enc, file := r.enc, r.file
	r.enc, r.file = nil, nil

	var errs []error
	if err := enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to finalize recording: %w", err))
	}
	if err := file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close recording: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.log.Info().
		Str("file", file.Name()).
		Int("frames", r.frames).
		Msg("Recording saved")
	return nil
}

// Files returns the paths written so far.
func (r *Recorder) Files() []string {
	return append([]string(nil), r.written...)
}

func (r *Recorder) open(ev pipeline.LevelEvent) error {
	name := ev.SessionID
	if name == "" {
		name = "session"
	}
	path := filepath.Join(r.dir, fmt.Sprintf("%s-%d.wav", name, len(r.written)))

	file, err := r.fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}

	r.file = file
	r.enc = wav.NewEncoder(file, ev.Frame.SampleRate, bitDepth, ev.Frame.Channels, 1)
	r.session = ev.SessionID
	r.rate = ev.Frame.SampleRate
	r.chans = ev.Frame.Channels
	r.frames = 0
	r.written = append(r.written, path)

	r.log.Debug().Str("file", path).Int("sample_rate", r.rate).Msg("Recording started")
	return nil
}

// toPCM16 converts normalized float samples to clamped 16-bit values.
func toPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * math.MaxInt16)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < -math.MaxInt16 {
			v = -math.MaxInt16
		}
		out[i] = int(v)
	}
	return out
}
