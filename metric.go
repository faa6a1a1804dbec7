package hkextract

import (
	"bytes"
	"fmt"
	"strings"
)

// Kind selects how qualifying records are reduced into points.
type Kind int

const (
	// KindPoint turns every qualifying record into one point.
	KindPoint Kind = iota
	// KindDailySum adds up records sharing a calendar day.
	KindDailySum
	// KindInterval keeps records whose value starts with IntervalPrefix and
	// uses the hours between start and end as the value.
	KindInterval
)

func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindDailySum:
		return "daily_sum"
	case KindInterval:
		return "interval"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Metric is the per-type configuration of an extraction. The zero values of
// the attribute fields select the Apple Health <Record> layout.
type Metric struct {
	// Name identifies the metric in keys, logs and configuration.
	Name string
	// Element is the element name to scan for. Default "Record".
	Element string
	// Types lists the accepted type identifiers. Empty accepts any.
	Types []string
	// TypeAttr, ValueAttr and UnitAttr name the attributes holding the type
	// identifier, the value and its unit. Defaults "type", "value", "unit".
	TypeAttr  string
	ValueAttr string
	UnitAttr  string
	// ActivityAttr, when set, is copied into DataPoint.Activity.
	ActivityAttr string

	Kind Kind
	// IntervalPrefix is the value prefix a KindInterval record must carry.
	IntervalPrefix string
	// Convert normalizes each value exactly once before aggregation.
	Convert Converter
	// Unit is the output unit when the record or converter supplies none, and
	// the unit of interval and fallback points.
	Unit string
	// Timestamps adds startTime and endTime to every point.
	Timestamps bool

	Retention Retention
	Order     Order

	// FallbackDays and FallbackValue shape the placeholder series emitted
	// when no record qualifies.
	FallbackDays  int
	FallbackValue float64
}

// Validate reports configuration errors.
func (m Metric) Validate() error {
	switch {
	case strings.TrimSpace(m.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidMetric)
	case m.Kind < KindPoint || m.Kind > KindInterval:
		return fmt.Errorf("%w: %s: unknown kind %d", ErrInvalidMetric, m.Name, int(m.Kind))
	case m.Kind == KindInterval && m.IntervalPrefix == "":
		return fmt.Errorf("%w: %s: interval metrics need an interval prefix", ErrInvalidMetric, m.Name)
	}
	return nil
}

// WithRetention returns a copy of m using retention r.
func (m Metric) WithRetention(r Retention) Metric {
	m.Retention = r
	return m
}

func (m Metric) element() string {
	if m.Element == "" {
		return ElementRecord
	}
	return m.Element
}

func (m Metric) typeAttr() string {
	if m.TypeAttr == "" {
		return "type"
	}
	return m.TypeAttr
}

func (m Metric) valueAttr() string {
	if m.ValueAttr == "" {
		return "value"
	}
	return m.ValueAttr
}

func (m Metric) unitAttr() string {
	if m.UnitAttr == "" {
		return "unit"
	}
	return m.UnitAttr
}

// matcher is a Metric prepared for matching many records.
type matcher struct {
	Metric
	quoted [][]byte
	accept map[string]struct{}
}

func newMatcher(m Metric) *matcher {
	mt := &matcher{Metric: m}
	if len(m.Types) > 0 {
		mt.accept = make(map[string]struct{}, len(m.Types))
		for _, t := range m.Types {
			mt.quoted = append(mt.quoted, []byte(`"`+t+`"`))
			mt.accept[t] = struct{}{}
		}
	}
	return mt
}

// mentions is a cheap pre-check on the opening tag so that records of other
// types are rejected without running the attribute pattern.
func (m *matcher) mentions(tag []byte) bool {
	if m.accept == nil {
		return true
	}
	for _, q := range m.quoted {
		if bytes.Contains(tag, q) {
			return true
		}
	}
	return false
}

func (m *matcher) accepts(typ string) bool {
	if m.accept == nil {
		return true
	}
	_, ok := m.accept[typ]
	return ok
}
