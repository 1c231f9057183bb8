package fetcher

import "fmt"

// IntegrityError reports downloaded content that does not match the
// integrity value declared in the lockfile. The artifact is discarded.
type IntegrityError struct {
	URL       string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf(
		"Integrity mismatch for %q: %s digest %q does not match declared %q",
		e.URL,
		e.Algorithm,
		e.Actual,
		e.Expected,
	)
}

// DownloadError reports a terminal HTTP failure while fetching an
// artifact or metadata document.
type DownloadError struct {
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf(
		"Download of %q failed with status %d",
		e.URL,
		e.StatusCode,
	)
}

// UnsupportedIntegrityError reports an integrity value using no digest
// algorithm this service can verify.
type UnsupportedIntegrityError struct {
	Integrity string
}

func (e *UnsupportedIntegrityError) Error() string {
	return fmt.Sprintf(
		"Unsupported integrity value %q: no verifiable digest algorithm",
		e.Integrity,
	)
}
