package audio

import (
	"errors"
	"fmt"
)

// ErrorCode classifies hardware failures independently of the platform API.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeNotConfigured
	CodeNotInitialized
	CodeDeviceNotFound
	CodeDeviceUnavailable
	CodePermissionDenied
	CodeUnsupportedFormat
	CodeTimedOut
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNotConfigured:
		return "not configured"
	case CodeNotInitialized:
		return "not initialized"
	case CodeDeviceNotFound:
		return "device not found"
	case CodeDeviceUnavailable:
		return "device unavailable"
	case CodePermissionDenied:
		return "permission denied"
	case CodeUnsupportedFormat:
		return "unsupported format"
	case CodeTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// HardwareError is the only error type a port returns. Platform error codes
// never leave this package.
type HardwareError struct {
	Op   string // configure, start, stop, read
	Code ErrorCode
	Err  error
}

func (e *HardwareError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("audio %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// NewHardwareError wraps err unless it already is a *HardwareError.
func NewHardwareError(op string, code ErrorCode, err error) error {
	var hwErr *HardwareError
	if errors.As(err, &hwErr) {
		return err
	}
	return &HardwareError{Op: op, Code: code, Err: err}
}

// IsHardware reports whether err is (or wraps) a *HardwareError.
func IsHardware(err error) bool {
	var hwErr *HardwareError
	return errors.As(err, &hwErr)
}

// CodeOf returns the code of the first *HardwareError in err's chain.
func CodeOf(err error) ErrorCode {
	var hwErr *HardwareError
	if errors.As(err, &hwErr) {
		return hwErr.Code
	}
	return CodeUnknown
}
