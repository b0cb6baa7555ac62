// Package session owns the capture session state machine.
//
// Every state change happens on a single control loop goroutine. Callers and
// the hardware port talk to it with messages: Start and Stop wait for a
// reply, platform notifications and hardware start confirmations do not.
// Stop always ends in Idle with the tap and the hardware stream released.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/audio"
	"github.com/speakbetter/coach-capture/internal/events"
	"github.com/speakbetter/coach-capture/internal/pipeline"
	"github.com/speakbetter/coach-capture/internal/vad"
)

const (
	DefaultStartTimeout    = 3 * time.Second
	DefaultTeardownTimeout = 2 * time.Second
	DefaultLevelBuffer     = 64
	DefaultStateBuffer     = 32
)

type Config struct {
	Port             audio.InputPort
	Logger           zerolog.Logger
	StartTimeout     time.Duration
	TeardownTimeout  time.Duration
	SilenceThreshold float64
	Activity         vad.Config
	LevelBuffer      int
	StateBuffer      int
}

type Controller struct {
	port   audio.InputPort
	log    zerolog.Logger
	pipe   *pipeline.Pipeline
	levels *events.Sink[pipeline.LevelEvent]
	states *events.Sink[Transition]

	startTimeout    time.Duration
	teardownTimeout time.Duration

	msgs    chan any
	quit    chan struct{}
	done    chan struct{}
	closing sync.Once

	mu               sync.RWMutex
	state            State
	cfg              audio.SessionConfig
	sessionID        string
	tapAttached      bool
	lastInterruption *InterruptionRecord

	// Owned by the control loop.
	attempt      uint64
	interruption *InterruptionRecord
	routePending bool
	releasing    []chan struct{}
}

type startRequest struct {
	cfg   audio.SessionConfig
	reply chan error
}

type stopRequest struct {
	reply chan error
}

type interruptionBegan struct {
	rec InterruptionRecord
}

type interruptionEnded struct {
	resumable bool
}

type routeChanged struct {
	reason string
}

type flushRequest struct {
	done chan struct{}
}

type startResult struct {
	attempt uint64
	err     error
}

// New creates a controller in Idle and starts its control loop.
func New(cfg Config) (*Controller, error) {
	if cfg.Port == nil {
		return nil, fmt.Errorf("port is nil")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.LevelBuffer <= 0 {
		cfg.LevelBuffer = DefaultLevelBuffer
	}
	if cfg.StateBuffer <= 0 {
		cfg.StateBuffer = DefaultStateBuffer
	}

	log := cfg.Logger.With().Str("component", "session").Logger()
	levels := events.New[pipeline.LevelEvent](cfg.LevelBuffer, events.DropNewest)

	c := &Controller{
		port:   cfg.Port,
		log:    log,
		levels: levels,
		states: events.New[Transition](cfg.StateBuffer, events.DropOldest),
		pipe: pipeline.New(pipeline.Config{
			Sink:             levels,
			SilenceThreshold: cfg.SilenceThreshold,
			Activity:         cfg.Activity,
			Logger:           cfg.Logger,
		}),
		startTimeout:    cfg.StartTimeout,
		teardownTimeout: cfg.TeardownTimeout,
		msgs:            make(chan any, 64),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.run()
	return c, nil
}

// Start requests a new monitoring session. A nil error means the hardware
// was configured and asked to start; confirmation (or failure) arrives on
// the state stream.
//
// Start is accepted from Idle and from a resumable Interrupted state. It
// returns ErrAlreadyActive while Starting or Monitoring, and
// ErrInvalidTransition from Stopping, Failed or a non-resumable
// interruption: a failed session must be stopped before it is restarted.
func (c *Controller) Start(ctx context.Context, cfg audio.SessionConfig) error {
	reply := make(chan error, 1)
	return c.request(ctx, startRequest{cfg: cfg, reply: reply}, reply)
}

// Stop ends monitoring from any state. It returns once the tap is detached
// and the hardware released (or its release timed out). Stopping while Idle
// is a no-op. If ctx ends first the stop still completes on the control loop.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.request(ctx, stopRequest{reply: reply}, reply)
}

// OnInterruption is invoked by the platform when capture is suspended.
func (c *Controller) OnInterruption(rec InterruptionRecord) {
	if rec.BeganAt.IsZero() {
		rec.BeganAt = time.Now()
	}
	c.post(interruptionBegan{rec: rec})
}

// OnInterruptionEnded is invoked by the platform when the suspension lifts.
func (c *Controller) OnInterruptionEnded(resumable bool) {
	c.post(interruptionEnded{resumable: resumable})
}

// OnRouteChange is invoked when the active input device changes.
func (c *Controller) OnRouteChange() {
	c.post(routeChanged{reason: "route changed"})
}

// Close stops any session, ends the control loop and closes both streams.
func (c *Controller) Close() error {
	c.closing.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Config returns the config of the current or most recent session.
func (c *Controller) Config() audio.SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// TapAttached reports whether the controller currently holds a hardware tap.
func (c *Controller) TapAttached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tapAttached
}

// LastInterruption returns the most recent interruption, handled or not.
func (c *Controller) LastInterruption() (InterruptionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastInterruption == nil {
		return InterruptionRecord{}, false
	}
	return *c.lastInterruption, true
}

// Levels subscribes to level events. Slow subscribers lose the newest events.
func (c *Controller) Levels() (<-chan pipeline.LevelEvent, func()) {
	return c.levels.Subscribe()
}

// States subscribes to state transitions. Slow subscribers lose the oldest
// transitions, so the latest state is always delivered.
func (c *Controller) States() (<-chan Transition, func()) {
	return c.states.Subscribe()
}

// LevelDrops is the number of level events lost to slow subscribers.
func (c *Controller) LevelDrops() uint64 {
	return c.levels.Dropped()
}

// FramesProcessed is the number of frames turned into level events.
func (c *Controller) FramesProcessed() uint64 {
	return c.pipe.Processed()
}

func (c *Controller) request(ctx context.Context, msg any, reply chan error) error {
	select {
	case c.msgs <- msg:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) post(msg any) {
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

func (c *Controller) run() {
	defer close(c.done)

	notifications := c.port.Notifications()
	for {
		select {
		case <-c.quit:
			c.shutdown()
			return
		case msg := <-c.msgs:
			c.handle(msg)
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			c.handleNotification(n)
		}
	}
}

func (c *Controller) shutdown() {
	if c.State() != Idle {
		c.stop("controller closed")
	}
	c.levels.Close()
	c.states.Close()
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case startRequest:
		m.reply <- c.start(m.cfg)
	case stopRequest:
		m.reply <- c.stop("stop requested")
	case interruptionBegan:
		c.interrupt(m.rec)
	case interruptionEnded:
		c.endInterruption(m.resumable)
	case routeChanged:
		c.routeChange(m.reason)
	case startResult:
		c.confirm(m)
	case flushRequest:
		close(m.done)
	default:
		c.log.Error().Str("type", fmt.Sprintf("%T", msg)).Msg("Unknown control message")
	}
}

func (c *Controller) handleNotification(n audio.Notification) {
	c.log.Debug().
		Str("kind", n.Kind.String()).
		Str("reason", n.Reason).
		Bool("resumable", n.Resumable).
		Msg("Platform notification")

	switch n.Kind {
	case audio.InterruptionBegan:
		began := n.At
		if began.IsZero() {
			began = time.Now()
		}
		c.interrupt(InterruptionRecord{Reason: n.Reason, BeganAt: began, Resumable: n.Resumable})
	case audio.InterruptionEnded:
		c.endInterruption(n.Resumable)
	case audio.RouteChanged:
		reason := n.Reason
		if reason == "" {
			reason = "route changed"
		}
		c.routeChange(reason)
	}
}

func (c *Controller) start(cfg audio.SessionConfig) error {
	switch st := c.State(); st {
	case Idle:
	case Starting, Monitoring:
		return ErrAlreadyActive
	case Interrupted:
		if c.interruption != nil && !c.interruption.Resumable {
			return fmt.Errorf("%w: interruption is not resumable, stop first", ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, st)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.sessionID = uuid.NewString()
	c.mu.Unlock()
	c.interruption = nil

	return c.begin("start requested")
}

// begin configures the port, attaches the tap and asks the hardware to start.
func (c *Controller) begin(reason string) error {
	c.setState(Starting, reason, nil)
	c.routePending = false

	// Nothing is attached yet, so a stuck release fails without a teardown.
	if err := c.awaitRelease(); err != nil {
		c.setState(Failed, "hardware release pending", err)
		return err
	}

	cfg := c.Config()
	if err := c.port.Configure(cfg); err != nil {
		err = audio.NewHardwareError("configure", audio.CodeUnknown, err)
		c.fail(err)
		return err
	}

	c.pipe.Attach(pipeline.Session{ID: c.SessionID(), Config: cfg})
	c.port.AttachTap(c.pipe.Handle)
	c.setTap(true)

	c.attempt++
	go c.confirmStart(c.attempt)
	return nil
}

// confirmStart runs off the control loop so Stop is never queued behind a
// slow hardware start.
func (c *Controller) confirmStart(attempt uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.startTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- c.port.Start(ctx) }()

	var err error
	select {
	case err = <-errc:
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %v", ErrTimeout, err)
			} else {
				err = audio.NewHardwareError("start", audio.CodeUnknown, err)
			}
		}
	case <-ctx.Done():
		err = fmt.Errorf("%w after %s", ErrTimeout, c.startTimeout)
	}

	c.post(startResult{attempt: attempt, err: err})
}

func (c *Controller) confirm(r startResult) {
	if r.attempt != c.attempt || c.State() != Starting {
		c.log.Debug().Uint64("attempt", r.attempt).Err(r.err).Msg("Ignoring stale start result")
		return
	}
	if r.err != nil {
		c.routePending = false
		c.fail(r.err)
		return
	}
	c.setState(Monitoring, "hardware started", nil)

	// The stream the hardware just started may already be gone.
	if c.routePending {
		c.routePending = false
		c.routeChange("route changed while starting")
	}
}

func (c *Controller) fail(err error) {
	if tdErr := c.teardown(); tdErr != nil {
		err = errors.Join(err, tdErr)
	}
	c.setState(Failed, "hardware failure", err)
}

func (c *Controller) stop(reason string) error {
	if c.State() == Idle {
		return nil
	}

	c.setState(Stopping, reason, nil)
	err := c.teardown()
	c.interruption = nil
	c.setState(Idle, reason, err)
	return nil
}

func (c *Controller) interrupt(rec InterruptionRecord) {
	c.mu.Lock()
	c.lastInterruption = &rec
	c.mu.Unlock()

	if st := c.State(); st != Monitoring {
		c.log.Info().
			Str("state", st.String()).
			Str("reason", rec.Reason).
			Msg("Interruption recorded without state change")
		return
	}

	c.interruption = &rec
	c.teardown()
	c.setState(Interrupted, rec.Reason, nil)
}

func (c *Controller) endInterruption(resumable bool) {
	if st := c.State(); st != Interrupted {
		c.log.Debug().Str("state", st.String()).Msg("Interruption end ignored")
		return
	}

	c.interruption = nil
	if !resumable {
		c.setState(Idle, "interruption ended, not resumable", nil)
		return
	}
	// Failure is reported through the Failed transition.
	_ = c.begin("interruption ended")
}

// routeChange rebuilds the tap against the new route: an interruption
// immediately followed by a resumable end.
func (c *Controller) routeChange(reason string) {
	if c.State() == Starting {
		c.routePending = true
	}
	wasMonitoring := c.State() == Monitoring
	c.interrupt(InterruptionRecord{Reason: reason, BeganAt: time.Now(), Resumable: true})
	if wasMonitoring && c.State() == Interrupted {
		c.endInterruption(true)
	}
}

// teardown detaches the pipeline first so no event escapes after the tap is
// gone, then releases the hardware within the teardown budget.
func (c *Controller) teardown() error {
	c.pipe.Detach()
	c.port.DetachTap()
	c.setTap(false)
	return c.releaseHardware()
}

func (c *Controller) releaseHardware() error {
	errc := make(chan error, 1)
	released := make(chan struct{})
	go func() {
		errc <- c.port.Stop()
		close(released)
	}()

	timer := time.NewTimer(c.teardownTimeout)
	defer timer.Stop()

	select {
	case err := <-errc:
		if err != nil {
			c.log.Warn().Err(err).Msg("Hardware teardown reported an error")
		}
		return err
	case <-timer.C:
		c.log.Error().Dur("timeout", c.teardownTimeout).Msg("Hardware teardown still running, continuing")
		c.releasing = append(c.releasing, released)
		return &audio.HardwareError{Op: "stop", Code: audio.CodeTimedOut}
	}
}

// awaitRelease waits, within the teardown budget, for hardware releases that
// outlived an earlier teardown. A late Stop would otherwise land on the next
// session's stream.
func (c *Controller) awaitRelease() error {
	if len(c.releasing) == 0 {
		return nil
	}

	timer := time.NewTimer(c.teardownTimeout)
	defer timer.Stop()

	for len(c.releasing) > 0 {
		select {
		case <-c.releasing[0]:
			c.releasing = c.releasing[1:]
		case <-timer.C:
			c.log.Error().Int("pending", len(c.releasing)).Msg("Previous hardware release still running")
			return &audio.HardwareError{Op: "configure", Code: audio.CodeTimedOut, Err: errors.New("previous release still running")}
		}
	}
	return nil
}

func (c *Controller) setTap(attached bool) {
	c.mu.Lock()
	c.tapAttached = attached
	c.mu.Unlock()
}

func (c *Controller) setState(to State, reason string, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	id := c.sessionID
	c.mu.Unlock()

	ev := c.log.Info()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("from", from.String()).
		Str("to", to.String()).
		Str("session", id).
		Str("reason", reason).
		Msg("Session state changed")

	c.states.Publish(Transition{
		From:      from,
		To:        to,
		At:        time.Now(),
		SessionID: id,
		Reason:    reason,
		Err:       err,
	})
}
