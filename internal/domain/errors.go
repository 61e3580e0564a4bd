package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable covers network failures, 5xx responses and
	// undecodable bodies from the occurrence source. Transient.
	ErrSourceUnavailable = errors.New("occurrence source unavailable")

	// ErrQuotaExceeded is returned when the source rate-limits the client
	// (HTTP 429). Transient.
	ErrQuotaExceeded = errors.New("occurrence source quota exceeded")

	// ErrInvalidQuery is returned for client errors other than rate limiting.
	// Retrying will not help.
	ErrInvalidQuery = errors.New("invalid occurrence query")

	// ErrSchemaMismatch is the category of every MissingColumnError.
	ErrSchemaMismatch = errors.New("source schema mismatch")

	// ErrRunInProgress is returned when a run is requested while another is
	// still executing.
	ErrRunInProgress = errors.New("a cleaning run is already in progress")
)

// MissingColumnError reports a required column absent from the source schema.
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing column %q", e.Column)
}

// Is makes errors.Is(err, ErrSchemaMismatch) match any MissingColumnError.
func (e *MissingColumnError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// IsTransient reports whether a fetch error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrQuotaExceeded)
}
