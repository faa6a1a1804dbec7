package hkextract

import (
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Stats holds the counters of one run. They are updated by the scanning
// goroutine and may be read concurrently, e.g. by a status endpoint.
//
// Every scanned record ends up in exactly one of matched, filtered or
// skipped; type mismatches are only counted as scanned.
type Stats struct {
	bytes      atomic.Int64
	scanned    atomic.Int64
	matched    atomic.Int64
	filtered   atomic.Int64
	skipped    atomic.Int64
	aggregated atomic.Int64
	written    atomic.Int64
}

// NewStats creates a Stats with initial counter values.
func NewStats(bytes, scanned, matched, filtered, skipped, aggregated, written int64) *Stats {
	s := &Stats{}
	s.bytes.Store(bytes)
	s.scanned.Store(scanned)
	s.matched.Store(matched)
	s.filtered.Store(filtered)
	s.skipped.Store(skipped)
	s.aggregated.Store(aggregated)
	s.written.Store(written)
	return s
}

// Bytes returns the number of bytes read from the source.
func (s *Stats) Bytes() int64 { return s.bytes.Load() }

// Scanned returns the number of elements cut out of the source, malformed
// fragments included.
func (s *Stats) Scanned() int64 { return s.scanned.Load() }

// Matched returns the number of records of the metric's type inside the
// retention window that were aggregated.
func (s *Stats) Matched() int64 { return s.matched.Load() }

// Filtered returns the number of records dropped by the window, a Filter or
// the interval marker check.
func (s *Stats) Filtered() int64 { return s.filtered.Load() }

// Skipped returns the number of malformed records.
func (s *Stats) Skipped() int64 { return s.skipped.Load() }

// Aggregated returns the number of points in the finalized series before the
// fallback is applied.
func (s *Stats) Aggregated() int64 { return s.aggregated.Load() }

// Written returns the number of points handed to the sink.
func (s *Stats) Written() int64 { return s.written.Load() }

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (s *Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("bytes", s.Bytes()).
		Int64("scanned", s.Scanned()).
		Int64("matched", s.Matched()).
		Int64("filtered", s.Filtered()).
		Int64("skipped", s.Skipped()).
		Int64("aggregated", s.Aggregated()).
		Int64("written", s.Written())
}

type statsJSON struct {
	Bytes      int64 `json:"bytes"`
	Scanned    int64 `json:"scanned"`
	Matched    int64 `json:"matched"`
	Filtered   int64 `json:"filtered"`
	Skipped    int64 `json:"skipped"`
	Aggregated int64 `json:"aggregated"`
	Written    int64 `json:"written"`
}

// MarshalJSON implements json.Marshaler.
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		Bytes:      s.Bytes(),
		Scanned:    s.Scanned(),
		Matched:    s.Matched(),
		Filtered:   s.Filtered(),
		Skipped:    s.Skipped(),
		Aggregated: s.Aggregated(),
		Written:    s.Written(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Stats) UnmarshalJSON(data []byte) error {
	var v statsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s.bytes.Store(v.Bytes)
	s.scanned.Store(v.Scanned)
	s.matched.Store(v.Matched)
	s.filtered.Store(v.Filtered)
	s.skipped.Store(v.Skipped)
	s.aggregated.Store(v.Aggregated)
	s.written.Store(v.Written)
	return nil
}

// Increment methods return the new value so that threshold crossings can be
// detected without a second load.
func (s *Stats) setBytes(n int64)          { s.bytes.Store(n) }
func (s *Stats) incScanned(n int64) int64  { return s.scanned.Add(n) }
func (s *Stats) incMatched(n int64) int64  { return s.matched.Add(n) }
func (s *Stats) incFiltered(n int64) int64 { return s.filtered.Add(n) }
func (s *Stats) incSkipped(n int64) int64  { return s.skipped.Add(n) }
func (s *Stats) setAggregated(n int64)     { s.aggregated.Store(n) }
func (s *Stats) setWritten(n int64)        { s.written.Store(n) }
