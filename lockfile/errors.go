package lockfile

import "fmt"

// MalformedError reports lockfile content that is not parseable at all.
type MalformedError struct {
	Inner error
}

func (e *MalformedError) Error() string {
	return "Malformed lockfile: " + e.Inner.Error()
}

func (e *MalformedError) Unwrap() error {
	return e.Inner
}

// UnsupportedVersionError reports a lockfile format version below the
// minimum this parser understands.
type UnsupportedVersionError struct {
	Expected int
	Actual   int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf(
		"Unsupported lockfile version: expected >= %d, got %d",
		e.Expected,
		e.Actual,
	)
}

// MissingFieldError reports a structurally valid lockfile missing a
// required field, naming the entry path it occurred at.
type MissingFieldError struct {
	Path  string
	Field string
}

func (e *MissingFieldError) Error() string {
	if e.Path == "" {
		return "Missing required lockfile field: " + e.Field
	}

	return fmt.Sprintf(
		"Missing required lockfile field %q for entry %q",
		e.Field,
		e.Path,
	)
}
