package hkextract

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// aggregator reduces qualifying records into points for one run.
type aggregator interface {
	add(p DataPoint, v decimal.Decimal)
	len() int
	series() Series
}

func newAggregator(k Kind) aggregator {
	if k == KindDailySum {
		return &dailySum{index: make(map[string]int)}
	}
	return &points{}
}

// points keeps one point per record.
type points struct {
	s Series
}

func (a *points) add(p DataPoint, _ decimal.Decimal) { a.s = append(a.s, p) }
func (a *points) len() int                           { return len(a.s) }
func (a *points) series() Series                     { return a.s }

// dailySum merges records sharing a calendar day. The first record of a day
// creates its point; later ones add to the value. Sums are exact and a day
// keeps the lexically smallest sourceName and unit it saw, so the result does
// not depend on arrival order.
type dailySum struct {
	index map[string]int
	sums  []decimal.Decimal
	s     Series
}

func (a *dailySum) add(p DataPoint, v decimal.Decimal) {
	if i, ok := a.index[p.Date]; ok {
		a.sums[i] = a.sums[i].Add(v)
		a.s[i].SourceName = smallest(a.s[i].SourceName, p.SourceName)
		a.s[i].Unit = smallest(a.s[i].Unit, p.Unit)
		return
	}
	p.start = time.Time{}
	p.StartTime, p.EndTime = "", ""
	a.index[p.Date] = len(a.s)
	a.s = append(a.s, p)
	a.sums = append(a.sums, v)
}

func (a *dailySum) len() int { return len(a.s) }

// smallest returns the lesser non-empty string.
func smallest(cur, next string) string {
	if cur == "" || (next != "" && next < cur) {
		return next
	}
	return cur
}

func (a *dailySum) series() Series {
	for i := range a.s {
		a.s[i].Value = a.sums[i].InexactFloat64()
	}
	return a.s
}

// point turns a record that already passed the type check and the window into
// a normalized point. ok is false when an interval record is not an asleep
// segment; such records are filtered, not malformed.
func (m *matcher) point(rec RawRecord, start time.Time) (p DataPoint, v decimal.Decimal, ok bool, err error) {
	p = DataPoint{
		Date:       start.Format(DateLayout),
		SourceName: rec.SourceName,
		start:      start,
	}

	var end time.Time
	if rec.EndDate != "" {
		if end, err = ParseTimestamp(rec.EndDate); err != nil {
			return DataPoint{}, decimal.Decimal{}, false, err
		}
	}

	unit := rec.Unit
	if m.Kind == KindInterval {
		if !strings.HasPrefix(rec.Value, m.IntervalPrefix) {
			return DataPoint{}, decimal.Decimal{}, false, nil
		}
		if end.IsZero() || end.Before(start) {
			return DataPoint{}, decimal.Decimal{}, false, fmt.Errorf("%w: interval without a valid endDate", ErrMalformedRecord)
		}
		v = decimal.NewFromInt(int64(end.Sub(start) / time.Second)).Div(secondsPerHour)
		unit = m.Unit
	} else {
		if v, err = ParseValue(rec.Value); err != nil {
			return DataPoint{}, decimal.Decimal{}, false, err
		}
		if m.Convert != nil {
			if v, unit, err = m.Convert(v, unit); err != nil {
				return DataPoint{}, decimal.Decimal{}, false, err
			}
		}
	}
	if unit == "" {
		unit = m.Unit
	}

	f := v.InexactFloat64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return DataPoint{}, decimal.Decimal{}, false, fmt.Errorf("%w: value %q is not finite", ErrMalformedRecord, rec.Value)
	}
	p.Value = f
	p.Unit = unit

	if m.Timestamps {
		p.StartTime = start.UTC().Format(time.RFC3339)
		if !end.IsZero() {
			p.EndTime = end.UTC().Format(time.RFC3339)
		}
	}
	if m.ActivityAttr != "" {
		p.Activity, _ = rec.Attr(m.ActivityAttr)
	}
	return p, v, true, nil
}
