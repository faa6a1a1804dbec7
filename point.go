package hkextract

import (
	"sort"
	"time"
)

// DataPoint is one normalized observation of a metric.
type DataPoint struct {
	Date       string  `json:"date"`
	Value      float64 `json:"value"`
	SourceName string  `json:"sourceName"`
	Unit       string  `json:"unit"`
	StartTime  string  `json:"startTime,omitempty"`
	EndTime    string  `json:"endTime,omitempty"`
	Activity   string  `json:"activity,omitempty"`

	start time.Time
}

// Series is the ordered output of one run.
type Series []DataPoint

// Key addresses a persisted series.
type Key struct {
	User   string
	Metric string
}

func (k Key) String() string { return k.User + "/" + k.Metric }

// Order is the sort order of a finalized series.
type Order int

const (
	// Ascending orders points by start time, oldest first.
	Ascending Order = iota
	// Descending orders points by calendar day, newest first.
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// sortSeries orders s in place. Ties keep arrival order.
func sortSeries(s Series, o Order) {
	if o == Descending {
		sort.SliceStable(s, func(i, j int) bool {
			if s[i].Date != s[j].Date {
				return s[i].Date > s[j].Date
			}
			return s[i].start.After(s[j].start)
		})
		return
	}
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if !a.start.IsZero() && !b.start.IsZero() && !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		return a.Date < b.Date
	})
}

// fallbackSeries returns the placeholder emitted when nothing qualified: one
// point per calendar day for the metric's FallbackDays days ending at now.
func fallbackSeries(m Metric, now time.Time) Series {
	days := m.FallbackDays
	if days <= 0 {
		days = DefaultFallbackDays
	}
	s := make(Series, 0, days)
	for i := days - 1; i >= 0; i-- {
		s = append(s, DataPoint{
			Date:  now.AddDate(0, 0, -i).Format(DateLayout),
			Value: m.FallbackValue,
			Unit:  m.Unit,
		})
	}
	sortSeries(s, m.Order)
	return s
}
