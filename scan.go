package hkextract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// scan drives the scanner over the job's source and aggregates every
// qualifying record. total is the source size, or -1.
func (p *Pipeline) scan(ctx context.Context, stats *Stats, now time.Time) (_ Series, total int64, _ error) {
	rc, err := p.job.Open(ctx)
	if err != nil {
		p.notify(ctx, StageOpen, err)
		return nil, -1, unavailable(err)
	}
	defer rc.Close()

	total = -1
	if s, ok := rc.(Sized); ok {
		total = s.Size()
	}

	m := newMatcher(p.metric)
	cutoff := p.metric.Retention.Cutoff(now)
	agg := newAggregator(p.metric.Kind)
	sc := NewScanner(rc, m.element(), p.resolveChunkSize())
	interval := p.resolveReportInterval()
	next := interval

	for {
		if err := ctx.Err(); err != nil {
			return nil, total, err
		}

		frags, readErr := sc.Next()
		stats.setBytes(sc.BytesRead())
		for _, f := range frags {
			if err := p.process(ctx, m, f, cutoff, agg, stats); err != nil {
				return nil, total, err
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			p.notify(ctx, StageOpen, readErr)
			return nil, total, unavailable(fmt.Errorf("read: %w", readErr))
		}

		if read := sc.BytesRead(); read >= next {
			p.report(ctx, read, total, fmt.Sprintf("%s: scanning, %d records found", p.metric.Name, stats.Matched()))
			next = (read/interval + 1) * interval
		}
	}

	return agg.series(), total, nil
}

// process runs one fragment through extraction, the window and aggregation. It
// only returns an error when a recoverable error is escalated.
func (p *Pipeline) process(ctx context.Context, m *matcher, f Fragment, cutoff time.Time, agg aggregator, stats *Stats) error {
	stats.incScanned(1)

	if f.Malformed {
		if !m.mentions(f.Data) {
			return nil
		}
		return p.skip(ctx, stats, StageScan,
			fmt.Errorf("%w: interrupted element at offset %d", ErrMalformedRecord, f.Offset))
	}

	rec, err := m.extract(f.Data)
	if errors.Is(err, ErrTypeMismatch) {
		return nil
	}
	if err != nil {
		return p.skip(ctx, stats, StageExtract, fmt.Errorf("offset %d: %w", f.Offset, err))
	}

	start, err := ParseTimestamp(rec.StartDate)
	if err != nil {
		return p.skip(ctx, stats, StageExtract, fmt.Errorf("offset %d: %w", f.Offset, err))
	}
	if !Within(start, cutoff) || (p.filter != nil && !p.filter.Include(rec)) {
		stats.incFiltered(1)
		return nil
	}

	pt, v, ok, err := m.point(rec, start)
	if err != nil {
		return p.skip(ctx, stats, StageExtract, fmt.Errorf("offset %d: %w", f.Offset, err))
	}
	if !ok {
		stats.incFiltered(1)
		return nil
	}

	agg.add(pt, v)
	stats.incMatched(1)
	return nil
}

// skip counts a malformed record and asks the ErrorHandler whether to go on.
func (p *Pipeline) skip(ctx context.Context, stats *Stats, stage Stage, err error) error {
	stats.incSkipped(1)
	if p.errHandler != nil && p.errHandler.OnError(ctx, stage, err) == ActionFail {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

// unavailable wraps err in ErrSourceUnavailable unless it already is one.
func unavailable(err error) error {
	if errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}
