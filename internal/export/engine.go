// Package export answers channel listing and data export requests against an
// archive.
package export

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/channels"
	"github.com/basekick-labs/pvexport/internal/decode"
	"github.com/basekick-labs/pvexport/internal/metrics"
	"github.com/basekick-labs/pvexport/internal/scan"
)

// Flags selects the optional record categories.
type Flags = decode.Categories

// Request is a data export request.
type Request struct {
	Archive   string
	Channels  []string
	Start     *archive.TimePoint
	End       *archive.TimePoint
	GetUnits  bool
	GetStatus bool
	GetInfo   bool
}

// Range returns the request's time range.
func (r *Request) Range() archive.TimeRange {
	return archive.TimeRange{Start: r.Start, End: r.End}
}

// Flags returns the requested categories.
func (r *Request) Flags() Flags {
	return Flags{Units: r.GetUnits, Status: r.GetStatus, Info: r.GetInfo}
}

// Engine opens archives and runs requests against them. Every call opens its own
// archive handle and releases it before returning, so an Engine may be shared.
type Engine struct {
	opener  archive.Opener
	decoder *decode.Decoder
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an engine.
func NewEngine(opener archive.Opener, decoder *decode.Decoder, logger zerolog.Logger) *Engine {
	return &Engine{
		opener:  opener,
		decoder: decoder,
		logger:  logger.With().Str("component", "export").Logger(),
		metrics: metrics.Get(),
	}
}

// List returns the distinct channel names of the archive at path that match
// pattern, sorted. An empty pattern matches every name.
func (e *Engine) List(ctx context.Context, path, pattern string) (names []string, err error) {
	start := time.Now()
	e.metrics.IncListRequests()
	defer func() { e.observe("list", path, start, err) }()

	re, err := channels.Compile(pattern)
	if err != nil {
		return nil, err
	}

	a, err := e.opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer e.closeArchive(a, path)

	cat, err := a.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	defer cat.Close()

	names, err = channels.Filter(ctx, cat, re)
	if err != nil {
		return nil, err
	}
	e.metrics.IncListNames(int64(len(names)))
	return names, nil
}

// GetData exports the records of every requested channel. The result is complete
// or nil.
func (e *Engine) GetData(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	e.metrics.IncGetRequests()
	defer func() { e.observe("get", req.Archive, start, err) }()

	rng := req.Range()
	if err := Validate(req.Channels, rng); err != nil {
		return nil, err
	}

	a, err := e.opener.Open(ctx, req.Archive)
	if err != nil {
		return nil, err
	}
	defer e.closeArchive(a, req.Archive)

	reader, err := a.NewReader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	res, err = Run(ctx, reader, e.decoder, req.Channels, rng, req.Flags())
	if err != nil {
		return nil, err
	}

	e.metrics.IncGetSuccess()
	e.metrics.IncRecordsExported(int64(res.RecordCount()))
	e.metrics.IncGapsSkipped(int64(res.GapsSkipped()))
	e.metrics.IncChannelsScanned(int64(res.Len()))
	return res, nil
}

func (e *Engine) closeArchive(a archive.Archive, path string) {
	if err := a.Close(); err != nil {
		e.logger.Warn().Err(err).Str("archive", path).Msg("Failed to close archive")
	}
}

func (e *Engine) observe(op, path string, start time.Time, err error) {
	elapsed := time.Since(start)
	e.metrics.RecordQueryLatency(elapsed.Microseconds())
	if err != nil {
		e.metrics.IncError(archive.Code(err))
		e.logger.Debug().Err(err).Str("op", op).Str("archive", path).Dur("elapsed", elapsed).Msg("Request failed")
		return
	}
	e.logger.Debug().Str("op", op).Str("archive", path).Dur("elapsed", elapsed).Msg("Request completed")
}

// Validate checks a request before any archive access.
func Validate(names []string, rng archive.TimeRange) error {
	if len(names) == 0 {
		return archive.Errorf(archive.ErrInvalidArgument, nil, "no channels requested")
	}
	for i, name := range names {
		switch {
		case name == "":
			return archive.Errorf(archive.ErrInvalidArgument, nil, "channel %d: empty name", i)
		case !utf8.ValidString(name):
			return archive.Errorf(archive.ErrInvalidArgument, nil, "channel %d: name is not valid UTF-8", i)
		case strings.IndexByte(name, 0) >= 0:
			return archive.Errorf(archive.ErrInvalidArgument, nil, "channel %d: name contains NUL", i)
		}
	}
	if rng.Start != nil && rng.End != nil && rng.End.Before(*rng.Start) {
		return archive.Errorf(archive.ErrInvalidArgument, nil, "start %s is after end %s", rng.Start, rng.End)
	}
	return nil
}

// Run scans each channel through reader in request order. A channel named twice
// keeps its first position and is scanned once. On any failure nothing is
// returned.
func Run(ctx context.Context, reader archive.Reader, dec *decode.Decoder, names []string, rng archive.TimeRange, flags Flags) (*Result, error) {
	if err := Validate(names, rng); err != nil {
		return nil, err
	}
	b := newBuilder(len(names))
	for _, name := range names {
		if b.has(name) {
			continue
		}
		s := scan.New(reader, name, rng, dec, flags)
		records, err := s.Collect(ctx)
		if err != nil {
			return nil, err
		}
		b.gaps += s.Skipped()
		b.add(name, records)
	}
	return b.commit(), nil
}
