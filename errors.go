package hkextract

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable wraps failures to open or read the export stream.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSinkFailure wraps failures to persist the finalized series.
	ErrSinkFailure = errors.New("sink failure")
	// ErrMalformedRecord marks a record that was skipped: a missing attribute,
	// an unparseable number or date, or a fragment that does not look like a
	// well-formed element.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrMissingAttribute is a malformed record lacking a required attribute.
	ErrMissingAttribute = fmt.Errorf("%w: missing attribute", ErrMalformedRecord)
	// ErrTypeMismatch marks a record of another type than the one being
	// extracted. It is expected and never counted as an error.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrInvalidMetric is returned by Run when the metric configuration is unusable.
	ErrInvalidMetric = errors.New("invalid metric")
)
