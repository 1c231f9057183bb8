package scanner

import (
	"fmt"
	"time"
)

// UnavailableError reports that the scanning service could not be
// reached or answered with an unexpected status.
type UnavailableError struct {
	Inner error
}

func (e *UnavailableError) Error() string {
	return "Scanner unavailable: " + e.Inner.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Inner
}

// TimeoutError reports a scan that did not complete within the
// configured deadline. The package must not pass by default.
type TimeoutError struct {
	ScanID  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"Scan %q did not complete within %s",
		e.ScanID,
		e.Elapsed,
	)
}

// FailedError reports a scan the scanner itself marked as failed.
type FailedError struct {
	ScanID string
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("Scan %q failed: %s", e.ScanID, e.Reason)
}
