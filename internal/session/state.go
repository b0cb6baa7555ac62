package session

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	Starting
	Monitoring
	Stopping
	Interrupted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Monitoring:
		return "monitoring"
	case Stopping:
		return "stopping"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Active reports whether a tap should be attached in this state.
func (s State) Active() bool {
	return s == Starting || s == Monitoring
}

var (
	// ErrAlreadyActive rejects Start while Starting or Monitoring.
	ErrAlreadyActive = errors.New("session already active")
	// ErrInvalidTransition rejects an operation the current state forbids.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrTimeout is reported when the hardware does not confirm start in time.
	ErrTimeout = errors.New("hardware start timed out")
	// ErrInvalidConfig rejects Start with an unusable SessionConfig.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("session controller closed")
)

// Transition is one entry of the state stream.
type Transition struct {
	From      State
	To        State
	At        time.Time
	SessionID string
	Reason    string
	Err       error
}

// InterruptionRecord describes a platform interruption.
type InterruptionRecord struct {
	Reason    string
	BeganAt   time.Time
	Resumable bool
}
