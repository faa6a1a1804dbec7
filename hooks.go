package hkextract

import "context"

// Filter excludes records after extraction and before the retention window is
// applied. Implement it to drop records by source device, activity or any
// other attribute of the opening tag.
//
// Filtered records count as scanned and filtered, never as skipped.
//
// Example:
//
//	func (j *MyJob) Include(rec hkextract.RawRecord) bool {
//	    return rec.SourceName != "Health"
//	}
type Filter interface {
	// Include returns true if the record should be aggregated.
	Include(rec RawRecord) bool
}

// ErrorHandler customizes error handling per stage.
//
// Without an ErrorHandler malformed records are counted and skipped
// (StageScan, StageExtract) while source and sink failures (StageOpen,
// StageLoad) stop the run. OnError is consulted for every recoverable error
// and may return ActionFail to stop the run instead, for example to fail fast
// on a corrupt export:
//
//	func (j *MyJob) OnError(ctx context.Context, stage hkextract.Stage, err error) hkextract.Action {
//	    if stage == hkextract.StageScan {
//	        return hkextract.ActionFail
//	    }
//	    return hkextract.ActionSkip
//	}
//
// Type mismatches are not errors and never reach OnError. Open and load
// failures are always fatal; OnError is informed of them but its answer is
// ignored.
type ErrorHandler interface {
	// OnError is called when an error occurs during any stage.
	OnError(ctx context.Context, stage Stage, err error) Action
}

// Starter is called before the source is opened. The returned context is used
// for the entire run and passed to Stopper.Stop.
//
// Example:
//
//	func (j *MyJob) Start(ctx context.Context) context.Context {
//	    return j.logger.WithContext(ctx)
//	}
type Starter interface {
	// Start is called before the source is opened.
	Start(ctx context.Context) context.Context
}

// Stopper is called exactly once after the run ends, whether it succeeded or
// not. err is the error returned by Run.
//
// Stop receives a context that is not cancelled with the run, so it can still
// flush metrics or logs after a cancellation.
type Stopper interface {
	Stop(ctx context.Context, stats *Stats, err error)
}
