// Package scan iterates the records of one channel across a time range.
package scan

import (
	"context"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/decode"
)

// Scanner yields the decoded records of one channel in time order.
//
// The first record is the last one strictly before the range start (or the
// first record of the channel when there is none). Iteration ends when the
// channel is exhausted or after emitting the first record at or past the range
// end. Gap markers are skipped and never count as a boundary.
//
// A Scanner is not restartable and not safe for concurrent use.
type Scanner struct {
	reader  archive.Reader
	channel string
	rng     archive.TimeRange
	dec     *decode.Decoder
	want    decode.Categories

	started bool
	done    bool
	cur     decode.Record
	err     error
	skipped int
}

// New returns a Scanner over channel. Nothing is read until the first Next.
func New(reader archive.Reader, channel string, rng archive.TimeRange, dec *decode.Decoder, want decode.Categories) *Scanner {
	return &Scanner{reader: reader, channel: channel, rng: rng, dec: dec, want: want}
}

// Next advances to the next record. It returns false at the end of the range or
// on error; Err tells the two apart.
func (s *Scanner) Next(ctx context.Context) bool {
	if s.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		return s.fail(err)
	}

	var (
		rec *archive.RawRecord
		err error
	)
	if !s.started {
		s.started = true
		rec, err = s.reader.Find(ctx, s.channel, s.position())
	} else {
		rec, err = s.reader.Next(ctx)
	}

	for err == nil && rec != nil && rec.Gap {
		s.skipped++
		rec, err = s.reader.Next(ctx)
	}
	if err != nil {
		return s.fail(err)
	}
	if rec == nil {
		s.done = true
		return false
	}

	out, err := s.dec.Decode(rec, s.reader.Metadata(), s.want)
	if err != nil {
		kind := archive.KindOf(err)
		if kind == nil {
			kind = archive.ErrDecode
		}
		return s.fail(archive.Errorf(kind, err, "channel %q at %s", s.channel, rec.Time))
	}
	s.cur = out
	if s.rng.End != nil && !rec.Time.Before(*s.rng.End) {
		s.done = true
	}
	return true
}

// position is the time Find looks at-or-before: one tick before Start so that
// a record exactly at Start is preceded by its predecessor.
func (s *Scanner) position() *archive.TimePoint {
	if s.rng.Start == nil {
		return nil
	}
	p := s.rng.Start.Prev()
	return &p
}

func (s *Scanner) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}

// Record returns the record produced by the last successful Next.
func (s *Scanner) Record() decode.Record { return s.cur }

// Err returns the error that stopped iteration, if any.
func (s *Scanner) Err() error { return s.err }

// Collect drains the scanner into a slice. The result is non-nil on success.
func (s *Scanner) Collect(ctx context.Context) ([]decode.Record, error) {
	out := make([]decode.Record, 0)
	for s.Next(ctx) {
		out = append(out, s.Record())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Skipped returns how many gap markers the scanner has consumed so far.
func (s *Scanner) Skipped() int { return s.skipped }
