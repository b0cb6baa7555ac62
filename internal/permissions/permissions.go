package permissions

import "errors"

// ErrMicrophoneDenied is returned when the user has not authorised capture.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")
