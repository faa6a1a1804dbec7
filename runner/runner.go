// Package runner wires a metric to a source opener and a sink, and runs the
// extraction pipeline with logging, telemetry and progress reporting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathopoulos/hkextract"
	"github.com/mathopoulos/hkextract/internal/telemetry"
	"github.com/mathopoulos/hkextract/sink"
	"github.com/mathopoulos/hkextract/source"
)

// DefaultUser keys series written without an explicit user.
const DefaultUser = "default"

// Observer receives progress updates of a run.
type Observer interface {
	Observe(p hkextract.Progress)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(p hkextract.Progress)

func (f ObserverFunc) Observe(p hkextract.Progress) { f(p) }

// ErrNoSink is returned by Run when the runner has no sink.
var ErrNoSink = errors.New("runner has no sink")

// Runner extracts one metric for one user.
type Runner struct {
	metric         hkextract.Metric
	opener         source.Opener
	sink           sink.Sink
	user           string
	now            func() time.Time
	observer       Observer
	logger         zerolog.Logger
	telemetry      *telemetry.Telemetry
	chunkSize      int
	reportInterval int64
	include        func(hkextract.RawRecord) bool
	strict         bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithOpener sets how sources are opened. Defaults to source.Router{}, which
// reads local files and zip archives.
func WithOpener(o source.Opener) Option { return func(r *Runner) { r.opener = o } }

// WithSink sets where the series is written. Required.
func WithSink(s sink.Sink) Option { return func(r *Runner) { r.sink = s } }

// WithUser sets the user the series is stored for.
func WithUser(user string) Option {
	return func(r *Runner) {
		if user != "" {
			r.user = user
		}
	}
}

// WithClock sets the reference time of the retention window.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithObserver receives progress updates.
func WithObserver(o Observer) Option { return func(r *Runner) { r.observer = o } }

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithTelemetry records run metrics.
func WithTelemetry(t *telemetry.Telemetry) Option { return func(r *Runner) { r.telemetry = t } }

// WithChunkSize sets the number of bytes read per step.
func WithChunkSize(n int) Option { return func(r *Runner) { r.chunkSize = n } }

// WithReportInterval sets how many bytes are read between progress updates.
func WithReportInterval(n int64) Option { return func(r *Runner) { r.reportInterval = n } }

// WithFilter drops records for which include returns false.
func WithFilter(include func(hkextract.RawRecord) bool) Option {
	return func(r *Runner) { r.include = include }
}

// WithStrict makes the first malformed record fail the run.
func WithStrict(strict bool) Option { return func(r *Runner) { r.strict = strict } }

// New creates a runner for metric m.
func New(m hkextract.Metric, opts ...Option) *Runner {
	r := &Runner{
		metric: m,
		opener: source.Router{},
		user:   DefaultUser,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Metric returns the metric the runner extracts.
func (r *Runner) Metric() hkextract.Metric { return r.metric }

// User returns the user series are written for.
func (r *Runner) User() string { return r.user }

// Run extracts the metric from the export at location and writes it to the
// sink under the runner's user.
func (r *Runner) Run(ctx context.Context, location string) (hkextract.Result, error) {
	if r.sink == nil {
		return hkextract.Result{Metric: r.metric.Name, Stats: &hkextract.Stats{}}, ErrNoSink
	}

	return hkextract.New(r.metric, &job{runner: r, location: location}).Run(ctx)
}

// RunAll runs each runner in turn over the export at location. Every run
// opens its own stream; a failed run does not stop the ones after it. Results
// are returned in runner order and the errors are joined.
func RunAll(ctx context.Context, location string, runners ...*Runner) ([]hkextract.Result, error) {
	results := make([]hkextract.Result, 0, len(runners))
	var errs []error
	for _, r := range runners {
		res, err := r.Run(ctx, location)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.metric.Name, err))
		}
	}
	return results, errors.Join(errs...)
}

// job adapts a Runner to the pipeline's Job and its optional hooks.
type job struct {
	runner   *Runner
	location string
	started  time.Time
	logger   zerolog.Logger
}

var (
	_ hkextract.Job              = (*job)(nil)
	_ hkextract.Filter           = (*job)(nil)
	_ hkextract.ErrorHandler     = (*job)(nil)
	_ hkextract.ProgressReporter = (*job)(nil)
	_ hkextract.Starter          = (*job)(nil)
	_ hkextract.Stopper          = (*job)(nil)
	_ hkextract.ChunkSize        = (*job)(nil)
	_ hkextract.Clock            = (*job)(nil)
)

func (j *job) Open(ctx context.Context) (io.ReadCloser, error) {
	return j.runner.opener.Open(ctx, j.location)
}

func (j *job) Load(ctx context.Context, series hkextract.Series) error {
	return j.runner.sink.Write(ctx, hkextract.Key{User: j.runner.user, Metric: j.runner.metric.Name}, series)
}

func (j *job) Include(rec hkextract.RawRecord) bool {
	return j.runner.include == nil || j.runner.include(rec)
}

func (j *job) OnError(_ context.Context, stage hkextract.Stage, err error) hkextract.Action {
	if stage == hkextract.StageOpen || stage == hkextract.StageLoad {
		j.logger.Error().Err(err).Str("stage", string(stage)).Msg("extraction failed")
		return hkextract.ActionFail
	}
	j.logger.Debug().Err(err).Str("stage", string(stage)).Msg("record skipped")
	if j.runner.strict {
		return hkextract.ActionFail
	}
	return hkextract.ActionSkip
}

func (j *job) ChunkSize() int { return j.runner.chunkSize }

func (j *job) Now() time.Time {
	if j.runner.now != nil {
		return j.runner.now()
	}
	return time.Now()
}

func (j *job) ReportInterval() int64 {
	return j.runner.reportInterval
}

func (j *job) OnProgress(_ context.Context, p hkextract.Progress) {
	j.logger.Debug().Int64("current", p.Current).Int64("total", p.Total).Msg("progress")
	if j.runner.observer != nil {
		j.runner.observer.Observe(p)
	}
}

func (j *job) Start(ctx context.Context) context.Context {
	j.started = time.Now()
	j.logger = j.runner.logger.With().
		Str("metric", j.runner.metric.Name).
		Str("user", j.runner.user).
		Str("source", j.location).
		Logger()
	j.logger.Info().Msg("extraction started")
	return j.logger.WithContext(ctx)
}

func (j *job) Stop(_ context.Context, stats *hkextract.Stats, err error) {
	elapsed := time.Since(j.started)
	j.runner.telemetry.ObserveRun(j.runner.metric.Name, stats, elapsed, err)

	ev := j.logger.Info()
	if err != nil {
		ev = j.logger.Error().Err(err)
	}
	ev.Object("stats", stats).Dur("elapsed", elapsed).Msg("extraction finished")
}
