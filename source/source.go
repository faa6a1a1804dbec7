// Package source opens Apple Health exports from local files and S3.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mathopoulos/hkextract"
)

// Opener opens the export stored at location. Every call returns an
// independent stream; readers returned by the openers of this package also
// implement hkextract.Sized.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, location string) (io.ReadCloser, error)

func (f OpenerFunc) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return f(ctx, location)
}

// ErrUnsupported is returned for locations no opener is configured for.
var ErrUnsupported = errors.New("unsupported location")

// Router picks an opener by location scheme: s3:// locations go to S3,
// everything else to File.
type Router struct {
	File Opener
	S3   Opener
}

func (r Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if strings.HasPrefix(location, s3Scheme) {
		if r.S3 == nil {
			return nil, fmt.Errorf("%w: %w: %s", hkextract.ErrSourceUnavailable, ErrUnsupported, location)
		}
		return r.S3.Open(ctx, location)
	}
	if r.File == nil {
		return File{}.Open(ctx, location)
	}
	return r.File.Open(ctx, location)
}

// sized pairs a stream with its length.
type sized struct {
	io.ReadCloser
	size int64
}

func (s sized) Size() int64 { return s.size }
