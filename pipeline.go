package hkextract

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a pipeline run.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateFinalizing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result summarizes a completed run.
type Result struct {
	Metric string `json:"metric"`
	// RecordsFound is the number of records that contributed to the series.
	RecordsFound int64 `json:"recordsFound"`
	// RecordsWritten is the number of points handed to the sink, fallback
	// points included.
	RecordsWritten int    `json:"recordsWritten"`
	Fallback       bool   `json:"fallback"`
	Stats          *Stats `json:"stats"`
}

// Pipeline extracts one metric from an export: it opens the job's source,
// scans it chunk by chunk, aggregates the qualifying records and hands the
// finalized series to the job's Load.
//
// A run moves through Idle, Scanning, Finalizing and Done. Only source and
// sink failures, cancellation, or a recoverable error escalated by an
// ErrorHandler move it to Errored instead. Malformed records are counted and
// skipped.
type Pipeline struct {
	metric Metric
	job    Job

	// Configuration overrides (nil means use interface value or default)
	chunkSize      *int
	reportInterval *int64
	now            func() time.Time

	// Optional capabilities (detected from job interfaces)
	filter              Filter
	errHandler          ErrorHandler
	progress            ProgressReporter
	starter             Starter
	stopper             Stopper
	chunkSizeIface      ChunkSize
	reportIntervalIface ReportInterval
	clock               Clock

	state atomic.Int32
	stats atomic.Pointer[Stats]
}

// New creates a pipeline extracting metric m for job. Optional interfaces are
// detected on job.
func New(m Metric, job Job) *Pipeline {
	p := &Pipeline{
		metric: m,
		job:    job,
	}

	if f, ok := job.(Filter); ok {
		p.filter = f
	}
	if h, ok := job.(ErrorHandler); ok {
		p.errHandler = h
	}
	if r, ok := job.(ProgressReporter); ok {
		p.progress = r
	}
	if s, ok := job.(Starter); ok {
		p.starter = s
	}
	if s, ok := job.(Stopper); ok {
		p.stopper = s
	}
	if c, ok := job.(ChunkSize); ok {
		p.chunkSizeIface = c
	}
	if r, ok := job.(ReportInterval); ok {
		p.reportIntervalIface = r
	}
	if c, ok := job.(Clock); ok {
		p.clock = c
	}

	p.stats.Store(&Stats{})
	return p
}

// WithChunkSize overrides the number of bytes read per step.
// Priority: this method > ChunkSize interface > DefaultChunkSize.
// Values less than 1 are ignored.
func (p *Pipeline) WithChunkSize(n int) *Pipeline {
	if n >= 1 {
		p.chunkSize = &n
	}
	return p
}

// WithReportInterval overrides how often to report progress (in bytes).
// Priority: this method > ReportInterval interface > DefaultReportInterval.
// Values less than 1 are ignored.
func (p *Pipeline) WithReportInterval(n int64) *Pipeline {
	if n >= 1 {
		p.reportInterval = &n
	}
	return p
}

// WithClock overrides the source of "now".
// Priority: this method > Clock interface > time.Now.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	if now != nil {
		p.now = now
	}
	return p
}

// Metric returns the metric the pipeline extracts.
func (p *Pipeline) Metric() Metric { return p.metric }

// State returns the state of the current or last run. It is safe to call
// while Run is in progress.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Stats returns the counters of the current or last run. It is safe to call
// while Run is in progress.
func (p *Pipeline) Stats() *Stats { return p.stats.Load() }

func (p *Pipeline) setState(s State) { p.state.Store(int32(s)) }

// Run executes one extraction. Runs of the same pipeline must not overlap.
//
// Source failures are returned wrapping ErrSourceUnavailable and sink failures
// wrapping ErrSinkFailure. Cancelling ctx stops the run at the next chunk
// boundary with ctx.Err(); nothing is persisted in that case.
func (p *Pipeline) Run(ctx context.Context) (res Result, err error) {
	stats := &Stats{}
	p.stats.Store(stats)
	p.setState(StateIdle)
	res = Result{Metric: p.metric.Name, Stats: stats}

	if err := p.metric.Validate(); err != nil {
		p.setState(StateErrored)
		return res, err
	}

	if p.starter != nil {
		ctx = p.starter.Start(ctx)
	}
	defer func() {
		if err != nil {
			p.setState(StateErrored)
		}
		if p.stopper != nil {
			p.stopper.Stop(context.WithoutCancel(ctx), stats, err)
		}
	}()

	now := p.resolveNow()

	p.setState(StateScanning)
	series, total, err := p.scan(ctx, stats, now)
	if err != nil {
		return res, err
	}

	p.setState(StateFinalizing)
	res.RecordsFound = stats.Matched()
	stats.setAggregated(int64(len(series)))
	if len(series) == 0 {
		series = fallbackSeries(p.metric, now)
		res.Fallback = true
	} else {
		sortSeries(series, p.metric.Order)
	}

	if err := p.job.Load(ctx, series); err != nil {
		p.notify(ctx, StageLoad, err)
		return res, fmt.Errorf("%w: %s: %w", ErrSinkFailure, p.metric.Name, err)
	}
	stats.setWritten(int64(len(series)))
	res.RecordsWritten = len(series)

	p.report(ctx, stats.Bytes(), total,
		fmt.Sprintf("%s: %d records found, %d written", p.metric.Name, res.RecordsFound, res.RecordsWritten))
	p.setState(StateDone)
	return res, nil
}

// notify informs the ErrorHandler of a fatal error. Its answer is ignored.
func (p *Pipeline) notify(ctx context.Context, stage Stage, err error) {
	if p.errHandler != nil {
		p.errHandler.OnError(ctx, stage, err)
	}
}

func (p *Pipeline) report(ctx context.Context, current, total int64, msg string) {
	if p.progress != nil {
		p.progress.OnProgress(ctx, Progress{Current: current, Total: total, Message: msg})
	}
}
