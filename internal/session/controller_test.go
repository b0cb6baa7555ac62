package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/audio"
	"github.com/speakbetter/coach-capture/internal/audio/audiotest"
)

func newTestController(t *testing.T, port *audiotest.Port, opts ...func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		Port:            port,
		Logger:          zerolog.Nop(),
		StartTimeout:    time.Second,
		TeardownTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ { // Poll for 2 seconds
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	waitFor(t, want.String(), func() bool { return c.State() == want })
}

func startMonitoring(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, Monitoring)
}

// barrier returns once every message posted before it has been handled.
func barrier(t *testing.T, c *Controller) {
	t.Helper()
	done := make(chan struct{})
	c.post(flushRequest{done: done})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("control loop did not drain")
	}
}

func collect(ch <-chan Transition, until func(Transition) bool) []Transition {
	var out []Transition
	timeout := time.After(2 * time.Second)
	for {
		select {
		case tr, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tr)
			if until(tr) {
				return out
			}
		case <-timeout:
			return out
		}
	}
}

func TestStartReachesMonitoring(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}

	startMonitoring(t, c)

	if !port.Running() {
		t.Error("hardware should be running")
	}
	if !port.TapAttached() || !c.TapAttached() {
		t.Error("tap should be attached while monitoring")
	}
	if c.SessionID() == "" {
		t.Error("expected a session id")
	}
	if c.Config() != audio.DefaultSessionConfig() {
		t.Errorf("unexpected config: %+v", c.Config())
	}
}

func TestStateStreamOrder(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	states, cancel := c.States()
	defer cancel()

	startMonitoring(t, c)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := collect(states, func(tr Transition) bool { return tr.To == Idle })
	want := []State{Starting, Monitoring, Stopping, Idle}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), got)
	}
	for i, tr := range got {
		if tr.To != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
		if i > 0 && tr.From != got[i-1].To {
			t.Errorf("transition %d starts from %s, previous ended in %s", i, tr.From, got[i-1].To)
		}
		if tr.SessionID != c.SessionID() {
			t.Errorf("transition %d has session %q", i, tr.SessionID)
		}
	}
}

func TestStartWhileActive(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	release := port.HoldStart()
	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != Starting {
		t.Fatalf("expected starting, got %s", c.State())
	}
	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive while starting, got %v", err)
	}

	release()
	waitForState(t, c, Monitoring)

	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive while monitoring, got %v", err)
	}
	if n := len(port.Configs()); n != 1 {
		t.Errorf("expected hardware configured once, got %d", n)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	cfg := audio.DefaultSessionConfig()
	cfg.SampleRate = 100
	if err := c.Start(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if c.State() != Idle {
		t.Errorf("expected idle, got %s", c.State())
	}
	if len(port.Configs()) != 0 {
		t.Error("hardware should not be configured")
	}
}

func TestStopWhenIdle(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	states, cancel := c.States()
	defer cancel()

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if c.State() != Idle {
		t.Errorf("expected idle, got %s", c.State())
	}
	if _, stops, _, _ := port.Calls(); stops != 0 {
		t.Errorf("expected no hardware stop, got %d", stops)
	}
	if len(states) != 0 {
		t.Errorf("expected no transitions, got %d", len(states))
	}
}

func TestStopReleasesHardware(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	startMonitoring(t, c)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Stop returns only after teardown.
	if c.State() != Idle {
		t.Errorf("expected idle, got %s", c.State())
	}
	if port.Running() {
		t.Error("hardware still running")
	}
	if port.TapAttached() || c.TapAttached() {
		t.Error("tap still attached")
	}
	if port.Emit(audiotest.Frame(0, 0.5)) {
		t.Error("frame reached a tap after stop")
	}
}

func TestStopReportsTeardownError(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	states, cancel := c.States()
	defer cancel()

	startMonitoring(t, c)
	port.FailStop(errors.New("device gone"))

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop should not fail, got %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}

	got := collect(states, func(tr Transition) bool { return tr.To == Idle })
	last := got[len(got)-1]
	if last.Err == nil {
		t.Error("expected teardown error on final transition")
	}
}

func TestStopDuringStarting(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	release := port.HoldStart()
	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}

	// The late hardware confirmation must not revive the session.
	release()
	time.Sleep(50 * time.Millisecond)
	barrier(t, c)

	if c.State() != Idle {
		t.Errorf("expected idle after late start, got %s", c.State())
	}
	if port.Running() {
		t.Error("hardware running after stop won the race")
	}
	if port.TapAttached() {
		t.Error("tap attached after stop")
	}
}

func TestConcurrentStartStop(t *testing.T) {
	for round := 0; round < 20; round++ {
		port := audiotest.NewPort()
		c := newTestController(t, port)

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				r := rand.New(rand.NewSource(seed))
				for i := 0; i < 10; i++ {
					if r.Intn(2) == 0 {
						_ = c.Start(context.Background(), audio.DefaultSessionConfig())
					} else {
						_ = c.Stop(context.Background())
					}
				}
			}(int64(round*100 + g))
		}
		wg.Wait()

		waitFor(t, "settled state", func() bool {
			st := c.State()
			return st == Idle || st == Monitoring || st == Failed
		})
		barrier(t, c)

		st := c.State()
		if c.TapAttached() != st.Active() || port.TapAttached() != st.Active() {
			t.Fatalf("round %d: state %s with tap attached=%v/%v", round, st, c.TapAttached(), port.TapAttached())
		}

		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("round %d: Stop: %v", round, err)
		}
		if c.State() != Idle || port.TapAttached() {
			t.Fatalf("round %d: stop did not win: %s", round, c.State())
		}
		c.Close()
	}
}

func TestInterruptionAndResume(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	startMonitoring(t, c)
	id := c.SessionID()

	port.Notify(audio.Notification{Kind: audio.InterruptionBegan, Reason: "phone call", Resumable: true})
	waitForState(t, c, Interrupted)

	if port.TapAttached() || c.TapAttached() {
		t.Error("tap should be released while interrupted")
	}
	rec, ok := c.LastInterruption()
	if !ok || rec.Reason != "phone call" || rec.BeganAt.IsZero() {
		t.Errorf("unexpected interruption record: %+v", rec)
	}

	port.Notify(audio.Notification{Kind: audio.InterruptionEnded, Resumable: true})
	waitForState(t, c, Monitoring)

	configs := port.Configs()
	if len(configs) != 2 || configs[0] != configs[1] {
		t.Errorf("expected resume with the same config, got %+v", configs)
	}
	if c.SessionID() != id {
		t.Error("resume should keep the session id")
	}
	if !port.TapAttached() {
		t.Error("tap should be reattached after resume")
	}
}

func TestInterruptionEndedNotResumable(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	startMonitoring(t, c)

	c.OnInterruption(InterruptionRecord{Reason: "siri", Resumable: false})
	waitForState(t, c, Interrupted)

	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	c.OnInterruptionEnded(false)
	waitForState(t, c, Idle)

	if len(port.Configs()) != 1 {
		t.Error("session should not be reconfigured")
	}
	if port.Running() {
		t.Error("hardware still running")
	}
}

func TestInterruptionRacingStop(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	startMonitoring(t, c)

	c.OnInterruption(InterruptionRecord{Reason: "alarm", Resumable: true})
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	c.OnInterruptionEnded(true)
	barrier(t, c)

	if c.State() != Idle {
		t.Errorf("expected idle, got %s", c.State())
	}
	if port.TapAttached() || port.Running() {
		t.Error("hardware resumed after stop")
	}
}

func TestStopBeforeInterruption(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	startMonitoring(t, c)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	c.OnInterruption(InterruptionRecord{Reason: "alarm", Resumable: true})
	c.OnInterruptionEnded(true)
	barrier(t, c)

	if c.State() != Idle {
		t.Errorf("expected idle, got %s", c.State())
	}
	if port.TapAttached() || port.Running() {
		t.Error("hardware resumed after stop")
	}
}

func TestConcurrentInterruptionAndStop(t *testing.T) {
	for round := 0; round < 20; round++ {
		port := audiotest.NewPort()
		c := newTestController(t, port)
		startMonitoring(t, c)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.OnInterruption(InterruptionRecord{Reason: "call", Resumable: true})
			c.OnInterruptionEnded(true)
		}()
		go func() {
			defer wg.Done()
			if err := c.Stop(context.Background()); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
		wg.Wait()
		barrier(t, c)

		if c.State() != Idle {
			t.Fatalf("round %d: expected idle, got %s", round, c.State())
		}
		if port.TapAttached() || c.TapAttached() {
			t.Fatalf("round %d: tap attached after stop", round)
		}
	}
}

func TestInterruptionWhileIdle(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	c.OnInterruption(InterruptionRecord{Reason: "phone call", Resumable: true})
	barrier(t, c)

	if c.State() != Idle {
		t.Errorf("expected idle, got %s", c.State())
	}
	if _, ok := c.LastInterruption(); !ok {
		t.Error("interruption should still be recorded")
	}

	c.OnInterruptionEnded(true)
	barrier(t, c)
	if c.State() != Idle || len(port.Configs()) != 0 {
		t.Error("interruption end should not start a session")
	}
}

func TestConfigureFailure(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	port.FailConfigure(&audio.HardwareError{Op: "open", Code: audio.CodeDeviceUnavailable})
	err := c.Start(context.Background(), audio.DefaultSessionConfig())
	if !audio.IsHardware(err) || audio.CodeOf(err) != audio.CodeDeviceUnavailable {
		t.Fatalf("expected device unavailable hardware error, got %v", err)
	}
	if c.State() != Failed {
		t.Fatalf("expected failed, got %s", c.State())
	}
	if port.TapAttached() {
		t.Error("tap attached after failure")
	}

	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from failed, got %v", err)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle after stop, got %s", c.State())
	}

	port.FailConfigure(nil)
	startMonitoring(t, c)
}

func TestStartFailure(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	port.FailStart(&audio.HardwareError{Op: "start", Code: audio.CodePermissionDenied})
	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, Failed)

	if port.TapAttached() || c.TapAttached() {
		t.Error("tap attached after failure")
	}
}

func TestStartTimeout(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port, func(cfg *Config) {
		cfg.StartTimeout = 50 * time.Millisecond
	})
	states, cancel := c.States()
	defer cancel()

	release := port.HoldStart()
	defer release()

	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := collect(states, func(tr Transition) bool { return tr.To == Failed })
	last := got[len(got)-1]
	if last.To != Failed {
		t.Fatalf("expected failed, got %s", last.To)
	}
	if !errors.Is(last.Err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", last.Err)
	}
	if port.TapAttached() {
		t.Error("tap attached after timeout")
	}
}

func TestRouteChangeReconfigures(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	startMonitoring(t, c)

	states, cancel := c.States()
	defer cancel()

	port.Notify(audio.Notification{Kind: audio.RouteChanged, Reason: "headset unplugged"})
	got := collect(states, func(tr Transition) bool { return tr.To == Monitoring })

	var sawInterrupted bool
	for _, tr := range got {
		if tr.To == Interrupted {
			sawInterrupted = true
		}
	}
	if !sawInterrupted {
		t.Errorf("expected an interrupted transition, got %+v", got)
	}
	if c.State() != Monitoring {
		t.Fatalf("expected monitoring, got %s", c.State())
	}
	if configs := port.Configs(); len(configs) != 2 || configs[1].SampleRate != configs[0].SampleRate {
		t.Errorf("expected reconfigure at the same rate, got %+v", configs)
	}
}

func TestRouteChangeWhileStarting(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)

	release := port.HoldStart()
	defer release()
	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.OnRouteChange()
	barrier(t, c)
	if c.State() != Starting {
		t.Fatalf("expected starting, got %s", c.State())
	}

	release()

	waitFor(t, "stream rebuilt", func() bool {
		return len(port.Configs()) == 2 && c.State() == Monitoring
	})
	if !port.Running() || !port.TapAttached() {
		t.Error("rebuilt stream should be running with the tap attached")
	}
}

func TestSlowReleaseDelaysNextStart(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port, func(cfg *Config) {
		cfg.TeardownTimeout = 100 * time.Millisecond
	})
	startMonitoring(t, c)

	port.DelayStop(150 * time.Millisecond)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	port.DelayStop(0)

	// The next start waits out the abandoned release before configuring.
	startMonitoring(t, c)

	time.Sleep(200 * time.Millisecond)
	if c.State() != Monitoring {
		t.Fatalf("expected monitoring, got %s", c.State())
	}
	if !port.Running() {
		t.Error("late release stopped the new session's hardware")
	}
}

func TestStuckReleaseFailsNextStart(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port, func(cfg *Config) {
		cfg.TeardownTimeout = 50 * time.Millisecond
	})
	startMonitoring(t, c)

	port.DelayStop(300 * time.Millisecond)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	port.DelayStop(0)

	err := c.Start(context.Background(), audio.DefaultSessionConfig())
	if audio.CodeOf(err) != audio.CodeTimedOut {
		t.Fatalf("expected timed out, got %v", err)
	}
	if c.State() != Failed {
		t.Fatalf("expected failed, got %s", c.State())
	}
	if n := len(port.Configs()); n != 1 {
		t.Errorf("configure ran while release was pending: %d configs", n)
	}

	waitFor(t, "release to finish", func() bool {
		_, stops, _, _ := port.Calls()
		return stops >= 1
	})
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	startMonitoring(t, c)

	time.Sleep(100 * time.Millisecond)
	if !port.Running() {
		t.Error("hardware stopped under the new session")
	}
}

func TestLevelsFlowInOrder(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	levels, cancel := c.Levels()
	defer cancel()

	startMonitoring(t, c)

	const n = 10
	for i := uint64(0); i < n; i++ {
		if !port.Emit(audiotest.Frame(i, 0.2, -0.4)) {
			t.Fatal("no tap attached")
		}
	}

	for i := uint64(0); i < n; i++ {
		select {
		case ev := <-levels:
			if ev.Sequence != i {
				t.Fatalf("expected sequence %d, got %d", i, ev.Sequence)
			}
			if ev.SessionID != c.SessionID() {
				t.Errorf("unexpected session %q", ev.SessionID)
			}
			if ev.Peak != float64(float32(0.4)) {
				t.Errorf("unexpected peak %g", ev.Peak)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	if c.FramesProcessed() != n {
		t.Errorf("expected %d frames processed, got %d", n, c.FramesProcessed())
	}
}

func TestSlowLevelConsumerDoesNotBlockCapture(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port, func(cfg *Config) {
		cfg.LevelBuffer = 2
	})
	_, cancel := c.Levels()
	defer cancel()

	startMonitoring(t, c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < 100; i++ {
			port.Emit(audiotest.Frame(i, 0.1))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("capture blocked on a stalled consumer")
	}
	if c.LevelDrops() != 98 {
		t.Errorf("expected 98 drops, got %d", c.LevelDrops())
	}
}

func TestClose(t *testing.T) {
	port := audiotest.NewPort()
	c := newTestController(t, port)
	levels, _ := c.Levels()

	startMonitoring(t, c)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if c.State() != Idle {
		t.Errorf("expected idle after close, got %s", c.State())
	}
	if port.TapAttached() || port.Running() {
		t.Error("hardware not released on close")
	}
	if _, ok := <-levels; ok {
		t.Error("level stream should be closed")
	}
	if err := c.Start(context.Background(), audio.DefaultSessionConfig()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNewRequiresPort(t *testing.T) {
	if _, err := New(Config{Logger: zerolog.Nop()}); err == nil {
		t.Error("expected error for missing port")
	}
}
