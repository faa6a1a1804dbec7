// Package hkextract extracts time series from Apple Health exports.
//
// An export is a single XML document that routinely weighs several hundred
// megabytes. Instead of building a DOM, the package streams it in fixed-size
// chunks, cuts complete <Record> (or <Workout>) elements out of a rolling
// buffer and scrapes the attributes of each element's opening tag with one
// regular expression. Memory use is bounded by one chunk, one partial element
// and the points of the series being built.
//
// # Quick Start
//
// Implement the Job interface to supply a source and a sink:
//
//	type MyJob struct {
//	    path string
//	    out  map[string]hkextract.Series
//	}
//
//	func (j *MyJob) Open(ctx context.Context) (io.ReadCloser, error) {
//	    return os.Open(j.path)
//	}
//
//	func (j *MyJob) Load(ctx context.Context, series hkextract.Series) error {
//	    j.out["heart_rate"] = series
//	    return nil
//	}
//
//	res, err := hkextract.New(hkextract.HeartRate, &MyJob{path: "export.xml"}).Run(ctx)
//
// The runner package wires sources, sinks, logging and telemetry around a
// Pipeline and is what most callers want.
//
// # Metrics
//
// A Metric describes what to extract: the element and type identifiers, how
// records are reduced (KindPoint, KindDailySum, KindInterval), the unit
// conversion, the retention window, the sort order and the shape of the
// fallback series emitted when nothing qualifies. The built-in metrics are
// listed by Catalog; retention can be changed per run with
// Metric.WithRetention.
//
// Values are parsed and converted as decimals, so conversions such as a body
// fat fraction of 0.223 to 22.3 % and same-day step sums are exact.
//
// # Parsing Assumptions
//
// The scanner and the extractor rely on properties Apple Health exports have:
//
//   - elements of the scanned name never nest
//   - attribute values are double-quoted and never contain a raw '>' or '"'
//   - closing tags are written without inner whitespace, e.g. </Record>
//
// Attribute order does not matter, and only the opening tag is read: the
// value attribute of a nested <MetadataEntry> never leaks into a record.
// Fragments that violate the assumptions in a detectable way (an opening tag
// interrupted by '<', another opening marker before the closing tag,
// unbalanced quotes) are counted as malformed and skipped instead of being
// matched partially.
//
// # Configuration
//
// Every knob follows the same pattern: a WithXxx builder method and a matching
// Xxx interface on the job. The builder always takes priority:
//
//	res, err := hkextract.New(hkextract.Steps, job).
//	    WithChunkSize(1 << 20).
//	    WithReportInterval(32 << 20).
//	    WithClock(func() time.Time { return now }).
//	    Run(ctx)
//
// Configuration priority (highest to lowest):
//  1. WithXxx() method overrides
//  2. Interface implementations
//  3. Default values
//
// # Errors
//
// Opening or reading the source fails with an error wrapping
// ErrSourceUnavailable; a failing Load with one wrapping ErrSinkFailure.
// Malformed records are counted in Stats.Skipped and never surface unless an
// ErrorHandler escalates them. Records of other types are ignored silently.
//
// # Cancellation
//
// Cancellation is honoured between chunks. A cancelled run ends in
// StateErrored without calling Load, so no partial series is ever persisted.
package hkextract
