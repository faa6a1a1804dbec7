package hkextract

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Converter normalizes a parsed value and its unit. It runs exactly once per
// record, before aggregation. Returning an error skips the record as
// malformed.
type Converter func(value decimal.Decimal, unit string) (decimal.Decimal, string, error)

var (
	poundsPerKilogram = decimal.RequireFromString("0.45359237")
	sixty             = decimal.NewFromInt(60)
	thousand          = decimal.NewFromInt(1000)
	secondsPerHour    = decimal.NewFromInt(3600)
)

// ParseValue parses a record value. NaN, infinities and empty values are
// rejected.
func ParseValue(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: value %q: %v", ErrMalformedRecord, s, err)
	}
	return v, nil
}

// Scale multiplies values by factor and reports them in unit.
func Scale(factor decimal.Decimal, unit string) Converter {
	return func(v decimal.Decimal, _ string) (decimal.Decimal, string, error) {
		return v.Mul(factor), unit, nil
	}
}

// Percent turns a fraction into a percentage: 0.223 becomes 22.3 %.
func Percent() Converter {
	return Scale(decimal.NewFromInt(100), "%")
}

// Kilograms converts body masses reported in lb or g to kg.
func Kilograms(v decimal.Decimal, unit string) (decimal.Decimal, string, error) {
	switch unit {
	case "kg", "":
		return v, "kg", nil
	case "lb":
		return v.Mul(poundsPerKilogram), "kg", nil
	case "g":
		return v.Div(thousand), "kg", nil
	default:
		return decimal.Decimal{}, "", fmt.Errorf("%w: unsupported mass unit %q", ErrMalformedRecord, unit)
	}
}

// Minutes converts durations reported in s, min or hr to minutes.
func Minutes(v decimal.Decimal, unit string) (decimal.Decimal, string, error) {
	switch unit {
	case "min", "":
		return v, "min", nil
	case "s":
		return v.Div(sixty), "min", nil
	case "hr", "h":
		return v.Mul(sixty), "min", nil
	default:
		return decimal.Decimal{}, "", fmt.Errorf("%w: unsupported duration unit %q", ErrMalformedRecord, unit)
	}
}
