//go:build !darwin

package permissions

// EnsureMicrophone is a no-op on non-macOS platforms; device access errors
// surface when the stream is opened instead.
func EnsureMicrophone() error {
	return nil
}
