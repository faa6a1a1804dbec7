package hkextract

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts.
const (
	// DateLayout is the calendar-day format of DataPoint.Date.
	DateLayout = "2006-01-02"
	// ExportLayout is the timestamp format used by Apple Health exports.
	ExportLayout = "2006-01-02 15:04:05 -0700"
)

var timestampLayouts = []string{
	ExportLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	DateLayout,
}

// ParseTimestamp parses an export timestamp. Besides the export's own layout it
// accepts RFC 3339 and bare calendar days; values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedRecord, s)
}

// Within reports whether a record starting at start falls inside the window
// beginning at cutoff. The cutoff itself is inside.
func Within(start, cutoff time.Time) bool {
	return !start.Before(cutoff)
}

// Retention is the maximum age of a record eligible for a metric's series.
// The zero value keeps everything.
type Retention struct {
	Years  int
	Months int
	Days   int
}

// Days returns a retention of n days.
func Days(n int) Retention { return Retention{Days: n} }

// Years returns a retention of n years.
func Years(n int) Retention { return Retention{Years: n} }

// IsZero reports whether r keeps every record.
func (r Retention) IsZero() bool { return r == Retention{} }

// Cutoff returns the oldest start time kept at now. A zero retention returns
// the zero time, which every record passes.
func (r Retention) Cutoff(now time.Time) time.Time {
	if r.IsZero() {
		return time.Time{}
	}
	return now.AddDate(-r.Years, -r.Months, -r.Days)
}

func (r Retention) String() string {
	if r.IsZero() {
		return "all"
	}
	var b strings.Builder
	for _, part := range []struct {
		n    int
		unit byte
	}{{r.Years, 'y'}, {r.Months, 'm'}, {r.Days, 'd'}} {
		if part.n != 0 {
			b.WriteString(strconv.Itoa(part.n))
			b.WriteByte(part.unit)
		}
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (r Retention) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Retention) UnmarshalText(text []byte) error {
	parsed, err := ParseRetention(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRetention parses retentions such as "30d", "4y", "6m" or "1y6m".
// An empty string or "all" is the zero retention.
func ParseRetention(s string) (Retention, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "all" {
		return Retention{}, nil
	}

	var r Retention
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return Retention{}, fmt.Errorf("invalid retention %q", s)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return Retention{}, fmt.Errorf("invalid retention %q: %w", s, err)
		}
		switch rest[i] {
		case 'y':
			r.Years += n
		case 'm':
			r.Months += n
		case 'w':
			r.Days += 7 * n
		case 'd':
			r.Days += n
		default:
			return Retention{}, fmt.Errorf("invalid retention unit %q in %q", rest[i], s)
		}
		rest = rest[i+1:]
	}
	return r, nil
}
