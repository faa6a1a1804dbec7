package hkextract

import (
	"bytes"
	"errors"
	"io"
)

// Fragment is one element cut out of the export stream.
//
// Data aliases the scanner's buffer and is only valid until the next call to
// [Scanner.Next].
type Fragment struct {
	Data []byte
	// Offset is the position of the first byte of Data in the stream.
	Offset int64
	// Malformed is set when the fragment starts like an element but is
	// interrupted by another element before it terminates. Scanning resumes at
	// the interrupting element.
	Malformed bool
}

// Scanner cuts complete elements of one name out of a byte stream, one chunk
// at a time, without parsing the document.
//
// After every call to Next the buffer holds no complete element: at most the
// prefix of one unterminated element, or the prefix of an opening marker that
// was split by the chunk boundary. The buffer is not capped, so an element
// larger than the chunk size is still captured once its closing tag arrives.
//
// Elements are assumed not to nest, attribute values are assumed not to contain
// a raw '>' and the closing tag is assumed to be written without whitespace.
// Apple Health exports satisfy all three.
type Scanner struct {
	r     io.Reader
	open  []byte
	close []byte
	chunk []byte

	buf      []byte
	consumed int   // bytes of buf already handed out or discarded
	base     int64 // stream offset of buf[0]
	read     int64
	dropped  int
	done     bool
}

// NewScanner returns a scanner yielding <element ...>...</element> and
// <element .../> fragments read from r in chunks of chunkSize bytes.
// A chunkSize below 1 selects DefaultChunkSize.
func NewScanner(r io.Reader, element string, chunkSize int) *Scanner {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &Scanner{
		r:     r,
		open:  []byte("<" + element),
		close: []byte("</" + element + ">"),
		chunk: make([]byte, chunkSize),
	}
}

// Next reads one chunk and returns every element it completed, in stream
// order. It returns io.EOF, possibly together with the last fragments, once the
// reader is exhausted; an unterminated trailing element is dropped at that
// point. Any other read error is returned as is.
func (s *Scanner) Next() ([]Fragment, error) {
	if s.done {
		return nil, io.EOF
	}
	s.compact()

	n, err := io.ReadFull(s.r, s.chunk)
	s.read += int64(n)
	s.buf = append(s.buf, s.chunk[:n]...)
	frags := s.split()

	switch {
	case err == nil:
		return frags, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		s.dropped = len(s.buf) - s.consumed
		return frags, io.EOF
	default:
		return frags, err
	}
}

// BytesRead returns the number of bytes read from the source so far.
func (s *Scanner) BytesRead() int64 { return s.read }

// Buffered returns the size of the retained partial element.
func (s *Scanner) Buffered() int { return len(s.buf) - s.consumed }

// Dropped returns the size of the unterminated tail discarded at end of input.
func (s *Scanner) Dropped() int { return s.dropped }

// compact moves the retained tail to the front of the buffer. Fragments handed
// out by the previous call are invalidated.
func (s *Scanner) compact() {
	if s.consumed == 0 {
		return
	}
	n := copy(s.buf, s.buf[s.consumed:])
	s.buf = s.buf[:n]
	s.base += int64(s.consumed)
	s.consumed = 0
}

type boundary int

const (
	boundaryComplete boundary = iota
	boundaryPartial
	boundaryMalformed
)

// split collects complete fragments from the buffer and records how much of
// it can be discarded.
func (s *Scanner) split() []Fragment {
	var frags []Fragment
	buf := s.buf
	pos := 0

	for {
		start, pending := s.findOpen(buf, pos)
		if start < 0 {
			s.consumed = len(buf) - markerPrefix(buf[pos:], s.open)
			return frags
		}
		if pending {
			s.consumed = start
			return frags
		}

		end, kind := s.boundary(buf, start)
		switch kind {
		case boundaryPartial:
			s.consumed = start
			return frags
		case boundaryMalformed:
			frags = append(frags, Fragment{Data: buf[start:end], Offset: s.base + int64(start), Malformed: true})
		default:
			frags = append(frags, Fragment{Data: buf[start:end], Offset: s.base + int64(start)})
		}
		pos = end
	}
}

// findOpen returns the index of the next opening marker at or after from, or
// -1. pending reports a marker at the very end of buf whose following byte has
// not been read yet.
func (s *Scanner) findOpen(buf []byte, from int) (idx int, pending bool) {
	for from < len(buf) {
		i := bytes.Index(buf[from:], s.open)
		if i < 0 {
			return -1, false
		}
		at := from + i
		next := at + len(s.open)
		if next == len(buf) {
			return at, true
		}
		switch buf[next] {
		case ' ', '\t', '\r', '\n', '/', '>':
			return at, false
		}
		from = at + 1
	}
	return -1, false
}

// boundary locates the end of the element opening at start. For malformed
// elements end is where scanning should resume.
func (s *Scanner) boundary(buf []byte, start int) (end int, kind boundary) {
	tag := buf[start+1:]
	gt := bytes.IndexByte(tag, '>')
	lt := bytes.IndexByte(tag, '<')
	if lt >= 0 && (gt < 0 || lt < gt) {
		return start + 1 + lt, boundaryMalformed
	}
	if gt < 0 {
		return 0, boundaryPartial
	}

	tagEnd := start + 1 + gt + 1
	if buf[tagEnd-2] == '/' {
		return tagEnd, boundaryComplete
	}

	nested, pending := s.findOpen(buf, tagEnd)
	if pending {
		nested = -1
	}
	closeAt := bytes.Index(buf[tagEnd:], s.close)
	if closeAt < 0 {
		if nested >= 0 {
			return nested, boundaryMalformed
		}
		return 0, boundaryPartial
	}
	closeAt += tagEnd
	if nested >= 0 && nested < closeAt {
		return nested, boundaryMalformed
	}
	return closeAt + len(s.close), boundaryComplete
}

// markerPrefix returns the length of the longest suffix of b that is a proper
// prefix of marker.
func markerPrefix(b, marker []byte) int {
	for k := min(len(marker)-1, len(b)); k > 0; k-- {
		if bytes.Equal(b[len(b)-k:], marker[:k]) {
			return k
		}
	}
	return 0
}
