package hkextract

import "time"

// Default configuration values.
const (
	DefaultChunkSize            = 64 * 1024
	DefaultReportInterval int64 = 8 << 20
	DefaultFallbackDays         = 30
)

// ChunkSize controls how many bytes the scanner reads per step. Implement this
// interface to set the chunk size from the job rather than the pipeline
// builder.
//
// The value can be overridden at runtime via WithChunkSize, which takes
// precedence. If neither is set, DefaultChunkSize (64 KiB) is used.
//
// The chunk size never changes which records are extracted. It bounds the
// granularity of cancellation and progress reports, and the memory held per
// step: one chunk plus at most one partial element.
//
// Example:
//
//	func (j *MyJob) ChunkSize() int { return 1 << 20 }
type ChunkSize interface {
	// ChunkSize returns the number of bytes to read per step.
	ChunkSize() int
}

// Clock supplies "now" for a run: the retention cutoff and the dates of the
// fallback series are derived from it. Implement it to make runs reproducible.
//
// The value can be overridden at runtime via WithClock, which takes
// precedence. If neither is set, time.Now is used.
type Clock interface {
	Now() time.Time
}

// resolveChunkSize returns the effective chunk size.
// Priority: WithChunkSize > ChunkSize interface > DefaultChunkSize.
func (p *Pipeline) resolveChunkSize() int {
	if p.chunkSize != nil {
		return *p.chunkSize
	}
	if p.chunkSizeIface != nil {
		if n := p.chunkSizeIface.ChunkSize(); n > 0 {
			return n
		}
	}
	return DefaultChunkSize
}

// resolveReportInterval returns the effective report interval in bytes.
// Priority: WithReportInterval > ReportInterval interface > DefaultReportInterval.
func (p *Pipeline) resolveReportInterval() int64 {
	if p.reportInterval != nil {
		return *p.reportInterval
	}
	if p.reportIntervalIface != nil {
		if n := p.reportIntervalIface.ReportInterval(); n > 0 {
			return n
		}
	}
	return DefaultReportInterval
}

// resolveNow returns the effective "now" of the run.
// Priority: WithClock > Clock interface > time.Now.
func (p *Pipeline) resolveNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now()
}
