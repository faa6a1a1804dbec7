package hkextract

import (
	"context"
	"io"
)

// Stage identifies where in the pipeline an event occurred.
type Stage string

const (
	StageOpen    Stage = "open"
	StageScan    Stage = "scan"
	StageExtract Stage = "extract"
	StageLoad    Stage = "load"
)

// Action tells the pipeline what to do after a recoverable error.
type Action string

const (
	ActionFail Action = "fail" // Stop pipeline and return error
	ActionSkip Action = "skip" // Skip this record and continue
)

// Job supplies the collaborators of a single extraction run. This is the only
// required interface to implement; the metric being extracted is passed to
// [New] separately.
//
// Optional behaviour is detected from the job value: [Filter], [ErrorHandler],
// [ProgressReporter], [Starter], [Stopper], [ChunkSize], [ReportInterval] and
// [Clock].
type Job interface {
	// Open returns the export stream. It is called exactly once per run and the
	// pipeline closes the returned reader when scanning ends. If the reader also
	// implements [Sized], its size is used as the progress total.
	Open(ctx context.Context) (io.ReadCloser, error)

	// Load persists the finalized series. It is only called once the whole
	// source has been scanned, so a failed or cancelled run never persists a
	// partial series.
	Load(ctx context.Context, series Series) error
}

// Sized is implemented by sources that know their total length in bytes.
type Sized interface {
	Size() int64
}
