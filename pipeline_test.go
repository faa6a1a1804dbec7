package hkextract_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mathopoulos/hkextract"
)

// =============================================================================
// Test Helpers
// =============================================================================

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// record renders a <Record> element the way exports do.
func record(typ, value, unit string, start, end time.Time) string {
	return fmt.Sprintf(
		`<Record type="%s" sourceName="Watch" sourceVersion="10.2" unit="%s" creationDate="%s" startDate="%s" endDate="%s" value="%s"/>`,
		typ, unit, end.Format(hkextract.ExportLayout), start.Format(hkextract.ExportLayout), end.Format(hkextract.ExportLayout), value,
	)
}

func heartRate(value string, start time.Time) string {
	return record(hkextract.TypeHeartRate, value, "count/min", start, start)
}

func export(records ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<HealthData locale="en_US">` + "\n" +
		` <ExportDate value="2024-03-01 12:00:00 +0000"/>` + "\n" +
		` <Me HKCharacteristicTypeIdentifierBiologicalSex="HKBiologicalSexFemale"/>` + "\n " +
		strings.Join(records, "\n ") + "\n" +
		`</HealthData>` + "\n"
}

// =============================================================================
// Minimal Job Implementation
// =============================================================================

type memJob struct {
	data    string
	openErr error
	loadErr error
	loads   int
	loaded  hkextract.Series
}

var _ hkextract.Job = (*memJob)(nil)

func (j *memJob) Open(context.Context) (io.ReadCloser, error) {
	if j.openErr != nil {
		return nil, j.openErr
	}
	return io.NopCloser(strings.NewReader(j.data)), nil
}

func (j *memJob) Load(_ context.Context, s hkextract.Series) error {
	j.loads++
	if j.loadErr != nil {
		return j.loadErr
	}
	j.loaded = append(hkextract.Series(nil), s...)
	return nil
}

func run(t *testing.T, m hkextract.Metric, data string, chunkSize int) (hkextract.Result, hkextract.Series) {
	t.Helper()
	job := &memJob{data: data}
	res, err := hkextract.New(m, job).
		WithChunkSize(chunkSize).
		WithClock(fixedClock(testNow)).
		Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, job.loads)
	return res, job.loaded
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

// =============================================================================
// Full-Featured Job Implementation
// =============================================================================

type fullJob struct {
	memJob
	interval int64
	action   hkextract.Action
	exclude  string

	mu        sync.Mutex
	reports   []hkextract.Progress
	errs      []hkextract.Stage
	started   bool
	stopped   bool
	stopErr   error
	stopStats *hkextract.Stats
	onReport  func()
}

var (
	_ hkextract.Job              = (*fullJob)(nil)
	_ hkextract.Filter           = (*fullJob)(nil)
	_ hkextract.ErrorHandler     = (*fullJob)(nil)
	_ hkextract.ProgressReporter = (*fullJob)(nil)
	_ hkextract.Starter          = (*fullJob)(nil)
	_ hkextract.Stopper          = (*fullJob)(nil)
)

func (j *fullJob) Include(rec hkextract.RawRecord) bool {
	return j.exclude == "" || rec.SourceName != j.exclude
}

func (j *fullJob) OnError(_ context.Context, stage hkextract.Stage, _ error) hkextract.Action {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errs = append(j.errs, stage)
	if j.action == "" {
		return hkextract.ActionSkip
	}
	return j.action
}

func (j *fullJob) ReportInterval() int64 { return j.interval }

func (j *fullJob) OnProgress(_ context.Context, p hkextract.Progress) {
	j.mu.Lock()
	j.reports = append(j.reports, p)
	j.mu.Unlock()
	if j.onReport != nil {
		j.onReport()
	}
}

func (j *fullJob) Start(ctx context.Context) context.Context {
	j.started = true
	return ctx
}

func (j *fullJob) Stop(_ context.Context, stats *hkextract.Stats, err error) {
	j.stopped = true
	j.stopErr = err
	j.stopStats = stats
}

// =============================================================================
// Scenarios
// =============================================================================

func TestPipeline_EndToEnd(t *testing.T) {
	data := export(
		heartRate("80", testNow.AddDate(0, 0, -5)),
		heartRate("60", testNow.AddDate(0, 0, -40)),
		heartRate("70", testNow.AddDate(0, 0, -10)),
	)

	res, series := run(t, hkextract.HeartRate, data, 0)

	require.Len(t, series, 2)
	require.Equal(t, testNow.AddDate(0, 0, -10).Format(hkextract.DateLayout), series[0].Date)
	require.Equal(t, testNow.AddDate(0, 0, -5).Format(hkextract.DateLayout), series[1].Date)
	require.Equal(t, 70.0, series[0].Value)
	require.Equal(t, 80.0, series[1].Value)
	for _, p := range series {
		require.Equal(t, "count/min", p.Unit)
		require.Equal(t, "Watch", p.SourceName)
	}
	require.Equal(t, "2024-02-20T12:00:00Z", series[0].StartTime)

	require.Equal(t, "heart_rate", res.Metric)
	require.Equal(t, int64(2), res.RecordsFound)
	require.Equal(t, 2, res.RecordsWritten)
	require.False(t, res.Fallback)
	require.Equal(t, int64(3), res.Stats.Scanned())
	require.Equal(t, int64(1), res.Stats.Filtered())
	require.Equal(t, int64(len(data)), res.Stats.Bytes())
}

func TestPipeline_ChunkSizeInvariance(t *testing.T) {
	var records []string
	for i := range 40 {
		start := testNow.Add(-time.Duration(i) * 17 * time.Hour)
		records = append(records,
			heartRate(fmt.Sprint(60+i), start),
			record(hkextract.TypeStepCount, fmt.Sprint(100*i), "count", start, start.Add(time.Minute)),
		)
	}
	data := export(records...)

	_, want := run(t, hkextract.HeartRate, data, len(data)+1)
	require.NotEmpty(t, want)

	for _, size := range []int{1, 2, 7, 64, 100, 1000, 4096} {
		_, got := run(t, hkextract.HeartRate, data, size)
		require.Equal(t, mustJSON(t, want), mustJSON(t, got), "chunk size %d", size)
	}
}

func TestPipeline_Idempotent(t *testing.T) {
	data := export(
		heartRate("61", testNow.AddDate(0, 0, -2)),
		heartRate("62", testNow.AddDate(0, 0, -1)),
	)

	_, first := run(t, hkextract.HeartRate, data, 0)
	_, second := run(t, hkextract.HeartRate, data, 0)
	require.Equal(t, mustJSON(t, first), mustJSON(t, second))
}

func TestPipeline_DailySum(t *testing.T) {
	day := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	records := []string{
		record(hkextract.TypeStepCount, "100", "count", day.Add(1*time.Hour), day.Add(2*time.Hour)),
		record(hkextract.TypeStepCount, "250.5", "count", day.Add(5*time.Hour), day.Add(6*time.Hour)),
		record(hkextract.TypeStepCount, "49.5", "count", day.Add(9*time.Hour), day.Add(10*time.Hour)),
		record(hkextract.TypeStepCount, "10", "count", day.AddDate(0, 0, -1), day.AddDate(0, 0, -1).Add(time.Hour)),
		heartRate("70", day.Add(3*time.Hour)),
	}

	_, want := run(t, hkextract.Steps, export(records...), 0)
	require.Len(t, want, 2)
	require.Equal(t, "2024-02-28", want[0].Date)
	require.Equal(t, 10.0, want[0].Value)
	require.Equal(t, "2024-02-29", want[1].Date)
	require.Equal(t, 400.0, want[1].Value)
	require.Equal(t, "count", want[1].Unit)
	require.Empty(t, want[1].StartTime)

	rng := rand.New(rand.NewSource(1))
	for range 5 {
		rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
		_, got := run(t, hkextract.Steps, export(records...), 0)
		require.Len(t, got, 2)
		require.Equal(t, want[0].Value, got[0].Value)
		require.Equal(t, want[1].Value, got[1].Value)
	}
}

func TestPipeline_DailySumMixedSources(t *testing.T) {
	day := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	phone := func(value string, h int) string {
		return strings.Replace(
			record(hkextract.TypeStepCount, value, "count", day.Add(time.Duration(h)*time.Hour), day.Add(time.Duration(h+1)*time.Hour)),
			`sourceName="Watch"`, `sourceName="iPhone"`, 1)
	}
	records := []string{
		record(hkextract.TypeStepCount, "100", "count", day.Add(1*time.Hour), day.Add(2*time.Hour)),
		phone("40", 3),
		record(hkextract.TypeStepCount, "60", "count", day.Add(5*time.Hour), day.Add(6*time.Hour)),
		phone("25", 7),
	}

	_, want := run(t, hkextract.Steps, export(records...), 0)
	require.Len(t, want, 1)
	require.Equal(t, 225.0, want[0].Value)
	require.Equal(t, "Watch", want[0].SourceName)

	rng := rand.New(rand.NewSource(7))
	for range 5 {
		rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
		_, got := run(t, hkextract.Steps, export(records...), 0)
		require.Equal(t, mustJSON(t, want), mustJSON(t, got))
	}
}

func TestPipeline_SleepDuration(t *testing.T) {
	data := export(
		`<Record type="HKCategoryTypeIdentifierSleepAnalysis" sourceName="Watch" startDate="2024-01-01T23:00:00Z" endDate="2024-01-02T07:00:00Z" value="HKCategoryValueSleepAnalysisAsleepCore"/>`,
		`<Record type="HKCategoryTypeIdentifierSleepAnalysis" sourceName="Watch" startDate="2024-01-01T22:30:00Z" endDate="2024-01-02T07:30:00Z" value="HKCategoryValueSleepAnalysisInBed"/>`,
		`<Record type="HKCategoryTypeIdentifierSleepAnalysis" sourceName="Watch" startDate="2024-01-02T23:00:00Z" endDate="2024-01-02T22:00:00Z" value="HKCategoryValueSleepAnalysisAsleep"/>`,
	)

	job := &memJob{data: data}
	res, err := hkextract.New(hkextract.Sleep, job).
		WithClock(fixedClock(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))).
		Run(context.Background())
	require.NoError(t, err)

	require.Len(t, job.loaded, 1)
	p := job.loaded[0]
	require.Equal(t, 8.0, p.Value)
	require.Equal(t, "2024-01-01", p.Date)
	require.Equal(t, "hr", p.Unit)
	require.Equal(t, "2024-01-01T23:00:00Z", p.StartTime)
	require.Equal(t, "2024-01-02T07:00:00Z", p.EndTime)

	require.Equal(t, int64(1), res.Stats.Filtered(), "in bed is not asleep")
	require.Equal(t, int64(1), res.Stats.Skipped(), "end before start")
}

func TestPipeline_UnitConversion(t *testing.T) {
	day := testNow.AddDate(0, 0, -3)

	t.Run("body fat fraction to percent", func(t *testing.T) {
		_, series := run(t, hkextract.BodyFat, export(record(hkextract.TypeBodyFat, "0.223", "%", day, day)), 0)
		require.Len(t, series, 1)
		require.Equal(t, 22.3, series[0].Value)
		require.Equal(t, "%", series[0].Unit)
	})

	t.Run("pounds to kilograms", func(t *testing.T) {
		_, series := run(t, hkextract.Weight, export(
			record(hkextract.TypeBodyMass, "150", "lb", day, day),
			record(hkextract.TypeBodyMass, "70.5", "kg", day.Add(time.Hour), day.Add(time.Hour)),
		), 0)
		require.Len(t, series, 2)
		// descending: the later reading comes first
		require.Equal(t, 70.5, series[0].Value)
		require.InDelta(t, 68.0388555, series[1].Value, 1e-9)
		require.Equal(t, "kg", series[1].Unit)
	})

	t.Run("unsupported unit is malformed", func(t *testing.T) {
		res, series := run(t, hkextract.Weight, export(record(hkextract.TypeBodyMass, "10", "stone", day, day)), 0)
		require.True(t, res.Fallback)
		require.Equal(t, int64(1), res.Stats.Skipped())
		require.Len(t, series, hkextract.DefaultFallbackDays)
	})

	t.Run("workout seconds to minutes", func(t *testing.T) {
		start := day.Format(hkextract.ExportLayout)
		end := day.Add(30 * time.Minute).Format(hkextract.ExportLayout)
		data := export(
			`<Workout workoutActivityType="HKWorkoutActivityTypeRunning" duration="1800" durationUnit="s" sourceName="Watch" startDate="`+start+`" endDate="`+end+`">`+
				`<WorkoutStatistics type="HKQuantityTypeIdentifierHeartRate" startDate="`+start+`" endDate="`+end+`" average="150" unit="count/min"/>`+
				`</Workout>`,
			heartRate("90", day),
		)
		_, series := run(t, hkextract.Workouts, data, 16)
		require.Len(t, series, 1)
		require.Equal(t, 30.0, series[0].Value)
		require.Equal(t, "min", series[0].Unit)
		require.Equal(t, "HKWorkoutActivityTypeRunning", series[0].Activity)
		require.NotEmpty(t, series[0].EndTime)
	})
}

func TestPipeline_Order(t *testing.T) {
	var records []string
	for _, d := range []int{7, 1, 30, 3} {
		start := testNow.AddDate(0, 0, -d)
		records = append(records, record(hkextract.TypeVO2Max, fmt.Sprint(40+d), "mL/min·kg", start, start))
	}

	_, series := run(t, hkextract.VO2Max, export(records...), 0)
	require.Len(t, series, 4)
	for i := 1; i < len(series); i++ {
		require.Greater(t, series[i-1].Date, series[i].Date)
	}
	require.Equal(t, testNow.AddDate(0, 0, -1).Format(hkextract.DateLayout), series[0].Date)
}

func TestPipeline_Fallback(t *testing.T) {
	data := export(record(hkextract.TypeStepCount, "10", "count", testNow, testNow))

	res, first := run(t, hkextract.HeartRate, data, 0)
	require.True(t, res.Fallback)
	require.Zero(t, res.RecordsFound)
	require.Equal(t, hkextract.DefaultFallbackDays, res.RecordsWritten)
	require.Zero(t, res.Stats.Aggregated())
	require.Equal(t, int64(hkextract.DefaultFallbackDays), res.Stats.Written())

	require.Len(t, first, hkextract.DefaultFallbackDays)
	require.Equal(t, testNow.AddDate(0, 0, -29).Format(hkextract.DateLayout), first[0].Date)
	require.Equal(t, testNow.Format(hkextract.DateLayout), first[len(first)-1].Date)
	for _, p := range first {
		require.Zero(t, p.Value)
		require.Equal(t, "count/min", p.Unit)
	}

	_, second := run(t, hkextract.HeartRate, data, 3)
	require.Equal(t, mustJSON(t, first), mustJSON(t, second))

	_, weight := run(t, hkextract.Weight, data, 0)
	require.Equal(t, testNow.Format(hkextract.DateLayout), weight[0].Date, "descending fallback starts today")

	custom := hkextract.HeartRate
	custom.FallbackDays, custom.FallbackValue = 3, 60
	_, short := run(t, custom, data, 0)
	require.Len(t, short, 3)
	require.Equal(t, 60.0, short[0].Value)
}

func TestPipeline_MalformedTolerance(t *testing.T) {
	day := testNow.AddDate(0, 0, -1)
	data := export(
		heartRate("65", day),
		`<Record type="HKQuantityTypeIdentifierHeartRate" sourceName="Watch" unit="count/min" startDate="`+day.Format(hkextract.ExportLayout)+`"/>`,
		heartRate("NaN", day),
		heartRate("abc", day),
		`<Record type="HKQuantityTypeIdentifierHeartRate" unit="count/min" startDate="someday" value="70"/>`,
		`<Record type="HKQuantityTypeIdentifierHeartRate" value="71"<Record type="HKQuantityTypeIdentifierHeartRate" value="72"/>`,
		record(hkextract.TypeStepCount, "10", "count", day, day),
	)

	res, series := run(t, hkextract.HeartRate, data, 32)
	require.Len(t, series, 1)
	require.Equal(t, 65.0, series[0].Value)

	stats := res.Stats
	require.Equal(t, int64(8), stats.Scanned())
	require.Equal(t, int64(1), stats.Matched())
	require.Equal(t, int64(6), stats.Skipped())
	require.Zero(t, stats.Filtered())
}

// =============================================================================
// Failures
// =============================================================================

func TestPipeline_SourceUnavailable(t *testing.T) {
	errMissing := errors.New("no such file")
	job := &fullJob{memJob: memJob{openErr: errMissing}}

	p := hkextract.New(hkextract.HeartRate, job)
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, hkextract.ErrSourceUnavailable)
	require.ErrorIs(t, err, errMissing)
	require.Equal(t, hkextract.StateErrored, p.State())
	require.Zero(t, job.loads)
	require.Equal(t, []hkextract.Stage{hkextract.StageOpen}, job.errs)
	require.True(t, job.stopped)
	require.ErrorIs(t, job.stopErr, hkextract.ErrSourceUnavailable)
}

func TestPipeline_SourceUnavailable_WrappedOnce(t *testing.T) {
	openErr := fmt.Errorf("%w: open /tmp/export.xml: no such file", hkextract.ErrSourceUnavailable)
	job := &memJob{openErr: openErr}

	_, err := hkextract.New(hkextract.HeartRate, job).Run(context.Background())
	require.ErrorIs(t, err, hkextract.ErrSourceUnavailable)
	require.Equal(t, 1, strings.Count(err.Error(), hkextract.ErrSourceUnavailable.Error()), err.Error())
}

type erroringSource struct {
	memJob
	err error
}

func (j *erroringSource) Open(context.Context) (io.ReadCloser, error) {
	r := io.MultiReader(strings.NewReader(j.data), iotest.ErrReader(j.err))
	return io.NopCloser(r), nil
}

func TestPipeline_ReadFailure(t *testing.T) {
	errReset := errors.New("connection reset")
	job := &erroringSource{memJob: memJob{data: heartRate("60", testNow)}, err: errReset}

	p := hkextract.New(hkextract.HeartRate, job).WithChunkSize(8)
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, hkextract.ErrSourceUnavailable)
	require.ErrorIs(t, err, errReset)
	require.Equal(t, hkextract.StateErrored, p.State())
	require.Zero(t, job.loads)
}

func TestPipeline_SinkFailure(t *testing.T) {
	errDown := errors.New("store down")
	job := &fullJob{memJob: memJob{data: export(heartRate("60", testNow)), loadErr: errDown}}

	p := hkextract.New(hkextract.HeartRate, job).WithClock(fixedClock(testNow))
	res, err := p.Run(context.Background())
	require.ErrorIs(t, err, hkextract.ErrSinkFailure)
	require.ErrorIs(t, err, errDown)
	require.Equal(t, hkextract.StateErrored, p.State())
	require.Equal(t, 1, job.loads)
	require.Zero(t, res.RecordsWritten)
	require.Equal(t, []hkextract.Stage{hkextract.StageLoad}, job.errs)
	require.ErrorIs(t, job.stopErr, hkextract.ErrSinkFailure)
}

func TestPipeline_ErrorHandlerEscalates(t *testing.T) {
	job := &fullJob{
		memJob: memJob{data: export(heartRate("60", testNow), heartRate("oops", testNow))},
		action: hkextract.ActionFail,
	}

	p := hkextract.New(hkextract.HeartRate, job).WithClock(fixedClock(testNow))
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, hkextract.ErrMalformedRecord)
	require.Equal(t, hkextract.StateErrored, p.State())
	require.Zero(t, job.loads)
	require.Equal(t, []hkextract.Stage{hkextract.StageExtract}, job.errs)
}

func TestPipeline_InvalidMetric(t *testing.T) {
	job := &memJob{data: export()}
	_, err := hkextract.New(hkextract.Metric{}, job).Run(context.Background())
	require.ErrorIs(t, err, hkextract.ErrInvalidMetric)
	require.Zero(t, job.loads)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestPipeline_CancelledBeforeRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &memJob{data: export(heartRate("60", testNow))}
	p := hkextract.New(hkextract.HeartRate, job)
	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, hkextract.StateErrored, p.State())
	require.Zero(t, job.loads)
}

func TestPipeline_CancelledAtChunkBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var records []string
	for i := range 20 {
		records = append(records, heartRate(fmt.Sprint(60+i), testNow.Add(-time.Duration(i)*time.Hour)))
	}
	job := &fullJob{memJob: memJob{data: export(records...)}, interval: 1, onReport: cancel}

	p := hkextract.New(hkextract.HeartRate, job).WithChunkSize(64).WithClock(fixedClock(testNow))
	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, hkextract.StateErrored, p.State())
	require.Zero(t, job.loads, "a cancelled run persists nothing")
	require.Len(t, job.reports, 1)
	require.Equal(t, int64(64), p.Stats().Bytes())
	require.True(t, job.stopped)
}

// =============================================================================
// Hooks and Configuration
// =============================================================================

func TestPipeline_Progress(t *testing.T) {
	var records []string
	for i := range 30 {
		records = append(records, heartRate("70", testNow.Add(-time.Duration(i)*time.Hour)))
	}
	data := export(records...)
	job := &fullJob{memJob: memJob{data: data}, interval: 1024}

	res, err := hkextract.New(hkextract.HeartRate, job).
		WithChunkSize(256).
		WithClock(fixedClock(testNow)).
		Run(context.Background())
	require.NoError(t, err)

	require.Greater(t, len(job.reports), 2)
	for i := 1; i < len(job.reports); i++ {
		require.GreaterOrEqual(t, job.reports[i].Current, job.reports[i-1].Current)
	}
	for _, r := range job.reports[:len(job.reports)-1] {
		require.Zero(t, r.Current%1024, "reported at interval boundaries")
		require.Equal(t, int64(-1), r.Total)
	}

	last := job.reports[len(job.reports)-1]
	require.Equal(t, int64(len(data)), last.Current)
	require.Contains(t, last.Message, "30 records found")
	require.Equal(t, int64(30), res.RecordsFound)
}

type sizedJob struct {
	memJob
	progress []hkextract.Progress
}

func (j *sizedJob) Open(context.Context) (io.ReadCloser, error) {
	return sizedReader{strings.NewReader(j.data)}, nil
}

func (j *sizedJob) ReportInterval() int64 { return 1 << 30 }

func (j *sizedJob) OnProgress(_ context.Context, p hkextract.Progress) {
	j.progress = append(j.progress, p)
}

// sizedReader exposes strings.Reader's Size.
type sizedReader struct{ *strings.Reader }

func (sizedReader) Close() error { return nil }

func TestPipeline_ProgressTotal(t *testing.T) {
	data := export(heartRate("60", testNow))
	job := &sizedJob{memJob: memJob{data: data}}

	_, err := hkextract.New(hkextract.HeartRate, job).WithClock(fixedClock(testNow)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, job.progress, 1)
	require.Equal(t, int64(len(data)), job.progress[0].Total)
	require.Equal(t, job.progress[0].Total, job.progress[0].Current)
}

func TestPipeline_FilterAndHooks(t *testing.T) {
	day := testNow.AddDate(0, 0, -1)
	phone := strings.Replace(heartRate("99", day), `sourceName="Watch"`, `sourceName="Phone"`, 1)
	job := &fullJob{memJob: memJob{data: export(heartRate("60", day), phone)}, exclude: "Phone", interval: 1 << 20}

	p := hkextract.New(hkextract.HeartRate, job).WithClock(fixedClock(testNow))
	require.Equal(t, hkextract.StateIdle, p.State())

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, hkextract.StateDone, p.State())
	require.Len(t, job.loaded, 1)
	require.Equal(t, 60.0, job.loaded[0].Value)
	require.Equal(t, int64(1), res.Stats.Filtered())

	require.True(t, job.started)
	require.True(t, job.stopped)
	require.NoError(t, job.stopErr)
	require.Same(t, res.Stats, job.stopStats)
	require.Same(t, res.Stats, p.Stats())
}

type clockJob struct {
	memJob
	now time.Time
}

func (j *clockJob) Now() time.Time { return j.now }

func TestPipeline_ClockPriority(t *testing.T) {
	data := export(heartRate("60", testNow.AddDate(-1, 0, 0)))

	// the job's clock puts the record inside the window
	job := &clockJob{memJob: memJob{data: data}, now: testNow.AddDate(-1, 0, 1)}
	res, err := hkextract.New(hkextract.HeartRate, job).Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Fallback)

	// WithClock wins over the job's clock
	job = &clockJob{memJob: memJob{data: data}, now: testNow.AddDate(-1, 0, 1)}
	res, err = hkextract.New(hkextract.HeartRate, job).WithClock(fixedClock(testNow)).Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Fallback)
}

func TestState_String(t *testing.T) {
	tests := map[hkextract.State]string{
		hkextract.StateIdle:       "idle",
		hkextract.StateScanning:   "scanning",
		hkextract.StateFinalizing: "finalizing",
		hkextract.StateDone:       "done",
		hkextract.StateErrored:    "errored",
		hkextract.State(42):       "state(42)",
	}
	for s, want := range tests {
		require.Equal(t, want, s.String())
	}

	b, err := json.Marshal(struct {
		State hkextract.State `json:"state"`
	}{hkextract.StateDone})
	require.NoError(t, err)
	require.JSONEq(t, `{"state":"done"}`, string(b))
}
