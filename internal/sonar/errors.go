package sonar

import (
	"errors"
	"fmt"
)

// Sentinel failure classes surfaced by the scanner and metrics paths.
// Dispatch and intake translate these into job state transitions; nothing
// in this package touches job state itself.
var (
	// ErrSubmissionIDMissing: the scanner exited zero but its output had no
	// task id line. Nothing to correlate a webhook against — permanent.
	ErrSubmissionIDMissing = errors.New("sonar: submission id not found in scanner output")

	// ErrScanTimeout: the scanner subprocess hit scan_timeout. Retryable.
	ErrScanTimeout = errors.New("sonar: scanner timed out")

	// ErrConfigInvalid: the resolved analysis properties are unusable.
	// Permanent until an operator supplies an override.
	ErrConfigInvalid = errors.New("sonar: invalid analysis configuration")
)

// StatusError is returned for non-2xx responses from the metrics read API.
// The code lets callers distinguish retriable (5xx, 404-before-deadline)
// from permanent (other 4xx) failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// IsPermanentStatus reports whether err is a non-404 4xx response.
func IsPermanentStatus(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != 404
}
