package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalid marks a local validation failure.
	ErrInvalid = errors.New("invalid")

	// ErrDuplicate is returned when an imported post with the same source key
	// already exists in the blog.
	ErrDuplicate = errors.New("duplicate post")

	// ErrInconsistentSource is returned when a source reports a newer update
	// time but returns no records.
	ErrInconsistentSource = errors.New("source reported an update but returned no records")

	// ErrLeaseHeld is returned when another run holds the importer lease.
	ErrLeaseHeld = errors.New("importer lease is held by another run")
)

// NotFoundError reports a missing blog, post, importer, tag or page.
type NotFoundError struct {
	Op   string
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s not found", e.Op, e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(op, kind string, id any) error {
	return &NotFoundError{Op: op, Kind: kind, ID: fmt.Sprint(id)}
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ExternalFetchError reports that the bookmark service could not be reached
// after all attempts.
type ExternalFetchError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *ExternalFetchError) Error() string {
	return fmt.Sprintf("%s %s: failed after %d attempt(s): %v", e.Op, e.URL, e.Attempts, e.Err)
}

func (e *ExternalFetchError) Unwrap() error { return e.Err }

// ExternalProtocolError reports a malformed or unexpected response.
type ExternalProtocolError struct {
	Op  string
	URL string
	Err error
}

func (e *ExternalProtocolError) Error() string {
	return fmt.Sprintf("%s %s: unexpected response: %v", e.Op, e.URL, e.Err)
}

func (e *ExternalProtocolError) Unwrap() error { return e.Err }

// RecordFailure is one bookmark that could not be mapped or saved.
type RecordFailure struct {
	URL  string    `json:"href"`
	Time time.Time `json:"time"`
	Err  error     `json:"-"`
}

// ImportPartialFailure reports the records of a batch that failed. The rest
// of the batch was processed.
type ImportPartialFailure struct {
	Importer int64
	Failures []RecordFailure
}

func (e *ImportPartialFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.URL, f.Err))
	}
	return fmt.Sprintf("importer %d: %d record(s) failed: %s", e.Importer, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the per-record causes to errors.Is and errors.As.
func (e *ImportPartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
