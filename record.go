package hkextract

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
)

// RawRecord is the untyped attribute bag scraped from one element's opening
// tag. Child elements are never looked at.
type RawRecord struct {
	Element    string
	Type       string
	Value      string
	Unit       string
	SourceName string
	StartDate  string
	EndDate    string

	attrs []attr
}

type attr struct {
	name, value string
}

// Attr returns the value of any attribute of the opening tag.
func (r RawRecord) Attr(name string) (string, bool) {
	for _, a := range r.attrs {
		if a.name == name {
			return a.value, true
		}
	}
	return "", false
}

// attrPattern matches one double-quoted attribute. Exports never single-quote
// attributes and escape '"' inside values.
var attrPattern = regexp.MustCompile(`([A-Za-z_:][-A-Za-z0-9_:.]*)\s*=\s*"([^"]*)"`)

// ExtractRecord scrapes the attributes metric m needs from one complete
// element. It returns ErrTypeMismatch when the element belongs to another
// type, and an error wrapping ErrMalformedRecord when the opening tag is
// damaged or a required attribute (startDate, the value attribute) is absent.
func ExtractRecord(fragment []byte, m Metric) (RawRecord, error) {
	return newMatcher(m).extract(fragment)
}

func (m *matcher) extract(fragment []byte) (RawRecord, error) {
	end := bytes.IndexByte(fragment, '>')
	if len(fragment) == 0 || fragment[0] != '<' || end < 0 {
		return RawRecord{}, fmt.Errorf("%w: no opening tag", ErrMalformedRecord)
	}
	tag := fragment[:end+1]
	if !m.mentions(tag) {
		return RawRecord{}, ErrTypeMismatch
	}
	if bytes.Count(tag, []byte{'"'})%2 != 0 {
		return RawRecord{}, fmt.Errorf("%w: unbalanced quotes", ErrMalformedRecord)
	}

	rec := RawRecord{Element: m.element()}
	for _, sub := range attrPattern.FindAllSubmatch(tag, -1) {
		rec.attrs = append(rec.attrs, attr{name: string(sub[1]), value: unescape(sub[2])})
	}

	rec.Type, _ = rec.Attr(m.typeAttr())
	if !m.accepts(rec.Type) {
		return RawRecord{}, ErrTypeMismatch
	}
	rec.SourceName, _ = rec.Attr("sourceName")
	rec.EndDate, _ = rec.Attr("endDate")
	rec.Unit, _ = rec.Attr(m.unitAttr())

	var ok bool
	if rec.StartDate, ok = rec.Attr("startDate"); !ok || rec.StartDate == "" {
		return RawRecord{}, fmt.Errorf("%w: startDate", ErrMissingAttribute)
	}
	if rec.Value, ok = rec.Attr(m.valueAttr()); !ok || rec.Value == "" {
		return RawRecord{}, fmt.Errorf("%w: %s", ErrMissingAttribute, m.valueAttr())
	}
	return rec, nil
}

func unescape(b []byte) string {
	if bytes.IndexByte(b, '&') < 0 {
		return string(b)
	}
	return html.UnescapeString(string(b))
}
