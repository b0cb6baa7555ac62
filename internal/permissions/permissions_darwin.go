//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// MicrophoneStatus returns the AVFoundation authorisation status.
func MicrophoneStatus() int {
	return int(C.checkMicrophonePermission())
}

// EnsureMicrophone returns nil when capture is authorised. An undetermined
// status triggers the system prompt and is reported as denied until the user
// answers, so the caller's start attempt fails instead of hanging.
func EnsureMicrophone() error {
	switch MicrophoneStatus() {
	case PermissionAuthorized:
		return nil
	case PermissionNotDetermined:
		C.requestMicrophonePermission()
	}
	return ErrMicrophoneDenied
}
