package hkextract

import "context"

// Progress is an advisory progress update. Current is the number of bytes read
// so far and Total the size of the source, or -1 when it is unknown.
type Progress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message"`
}

// ReportInterval controls how often progress is reported, measured in bytes
// read. This interface can be implemented independently of ProgressReporter
// when you want to set the interval via the job rather than the builder.
//
// The value can be overridden at runtime via WithReportInterval, which takes
// precedence over this interface. If neither is set, DefaultReportInterval
// (8 MiB) is used.
type ReportInterval interface {
	// ReportInterval returns how many bytes to read between OnProgress calls.
	ReportInterval() int64
}

// ProgressReporter receives periodic progress updates while a run scans its
// source. Reports are advisory: a run behaves identically with or without a
// reporter.
//
// OnProgress is called each time the bytes read cross a ReportInterval
// boundary, and once more when the run completes. Progress is only checked
// between chunks, so a single chunk spanning several boundaries yields one
// report.
//
// OnProgress runs on the scanning goroutine; blocking in it stalls the run.
//
// Example:
//
//	func (j *MyJob) ReportInterval() int64 { return 16 << 20 }
//
//	func (j *MyJob) OnProgress(ctx context.Context, p hkextract.Progress) {
//	    log.Info().Int64("current", p.Current).Int64("total", p.Total).Msg(p.Message)
//	}
type ProgressReporter interface {
	ReportInterval

	// OnProgress is called periodically during scanning.
	OnProgress(ctx context.Context, p Progress)
}
