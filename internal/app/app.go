package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/audio"
	"github.com/speakbetter/coach-capture/internal/config"
	"github.com/speakbetter/coach-capture/internal/pipeline"
	"github.com/speakbetter/coach-capture/internal/session"
)

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetListening()
	SetPaused()
	SetError()
}

type Config struct {
	Audio         audio.InputPort
	Config        *config.Config
	ConfigFile    string // where SetDevice persists; empty uses the default path
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
}

type App struct {
	audio   audio.InputPort
	ctrl    *session.Controller
	log     zerolog.Logger
	status  StatusUpdater
	cfgFile string

	mu  sync.Mutex
	cfg *config.Config

	watchDone chan struct{}
}

func New(cfg Config) (*App, error) {
	if cfg.Audio == nil {
		return nil, fmt.Errorf("audio port is nil")
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is nil")
	}

	c := cfg.Config
	ctrl, err := session.New(session.Config{
		Port:             cfg.Audio,
		Logger:           cfg.Logger,
		StartTimeout:     c.Session.StartTimeout,
		TeardownTimeout:  c.Session.TeardownTimeout,
		SilenceThreshold: c.Session.SilenceThreshold,
		Activity:         c.ActivityConfig(),
		LevelBuffer:      c.Session.LevelBuffer,
		StateBuffer:      c.Session.StateBuffer,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		audio:     cfg.Audio,
		ctrl:      ctrl,
		log:       cfg.Logger,
		status:    cfg.StatusUpdater,
		cfgFile:   cfg.ConfigFile,
		cfg:       c,
		watchDone: make(chan struct{}),
	}

	states, _ := ctrl.States()
	go a.watchStates(states)

	return a, nil
}

// StartMonitoring begins a session with the configured device and format.
func (a *App) StartMonitoring(ctx context.Context) error {
	a.mu.Lock()
	sc, err := a.cfg.SessionConfig()
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("invalid audio config: %w", err)
	}
	return a.StartMonitoringWith(ctx, sc)
}

// StartMonitoringWith begins a session with an explicit capture format.
func (a *App) StartMonitoringWith(ctx context.Context, sc audio.SessionConfig) error {
	a.log.Info().
		Str("device", sc.DeviceID).
		Int("sample_rate", sc.SampleRate).
		Int("buffer_frames", sc.BufferFrames).
		Str("channels", sc.ChannelMode.String()).
		Msg("Starting monitoring")

	if err := a.ctrl.Start(ctx, sc); err != nil {
		a.log.Error().Err(err).Msg("Failed to start monitoring")
		return err
	}
	return nil
}

func (a *App) StopMonitoring(ctx context.Context) error {
	a.log.Info().Msg("Stopping monitoring")
	return a.ctrl.Stop(ctx)
}

// Toggle stops an active or interrupted session and starts one otherwise.
// A failed session is cleared by the first toggle.
func (a *App) Toggle(ctx context.Context) error {
	switch a.ctrl.State() {
	case session.Idle:
		return a.StartMonitoring(ctx)
	default:
		return a.StopMonitoring(ctx)
	}
}

func (a *App) watchStates(states <-chan session.Transition) {
	defer close(a.watchDone)

	for tr := range states {
		if a.status == nil {
			continue
		}
		switch tr.To {
		case session.Monitoring:
			a.status.SetListening()
		case session.Interrupted:
			a.status.SetPaused()
		case session.Failed:
			a.status.SetError()
		case session.Idle:
			a.status.SetIdle()
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.ctrl.Stop(ctx)
	a.ctrl.Close()

	select {
	case <-a.watchDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Tray actions

func (a *App) SetDevice(id string) error {
	if st := a.ctrl.State(); st != session.Idle && st != session.Failed {
		return fmt.Errorf("cannot change device while %s", st)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.Audio.DeviceID = id
	return config.SaveTo(a.cfg, a.cfgFile)
}

func (a *App) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Audio.DeviceID
}

func (a *App) IsMonitoring() bool {
	return a.ctrl.State() == session.Monitoring
}

func (a *App) State() session.State {
	return a.ctrl.State()
}

func (a *App) SessionID() string {
	return a.ctrl.SessionID()
}

func (a *App) Levels() (<-chan pipeline.LevelEvent, func()) {
	return a.ctrl.Levels()
}

func (a *App) States() (<-chan session.Transition, func()) {
	return a.ctrl.States()
}

// DroppedEvents is the number of level events lost to slow consumers.
func (a *App) DroppedEvents() uint64 {
	return a.ctrl.LevelDrops()
}

func (a *App) ListDevices() ([]audio.Device, error) {
	return a.audio.ListDevices()
}
