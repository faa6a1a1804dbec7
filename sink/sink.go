// Package sink persists finalized series.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mathopoulos/hkextract"
)

// Sink stores the series of one user and metric, replacing what was stored
// under the same key before.
type Sink interface {
	Write(ctx context.Context, key hkextract.Key, series hkextract.Series) error
}

// Reader returns a previously written series.
type Reader interface {
	Read(ctx context.Context, key hkextract.Key) (hkextract.Series, error)
}

// ErrNotFound is returned by Read when nothing is stored under a key.
var ErrNotFound = errors.New("series not found")

// ErrInvalidKey is returned for keys that cannot be stored safely.
var ErrInvalidKey = errors.New("invalid key")

// Multi writes to every sink in order and stops at the first failure.
type Multi []Sink

func (m Multi) Write(ctx context.Context, key hkextract.Key, series hkextract.Series) error {
	for _, s := range m {
		if err := s.Write(ctx, key, series); err != nil {
			return err
		}
	}
	return nil
}

// validateKey rejects keys whose parts are empty or could address anything
// outside their own namespace.
func validateKey(key hkextract.Key) error {
	for _, part := range []string{key.User, key.Metric} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\:`) || strings.ContainsRune(part, 0) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key.String())
		}
	}
	return nil
}
