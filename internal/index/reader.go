package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basekick-labs/pvexport/internal/archive"
)

const sampleColumns = "rowid, secs, nsecs, kind, count, status, severity, value"

const channelFilter = "channel_id IN (SELECT id FROM channels WHERE name = ?)"

// gapFilter excludes the archive engine's disconnected/off/disabled markers.
var gapFilter = fmt.Sprintf("severity NOT IN (%d, %d, %d)",
	archive.SeverityDisconn, archive.SeverityStopped, archive.SeverityDisabled)

var (
	qLatestBefore = "SELECT " + sampleColumns + " FROM samples WHERE " + channelFilter +
		" AND (secs, nsecs) <= (?, ?) AND " + gapFilter +
		" ORDER BY secs DESC, nsecs DESC, rowid DESC LIMIT 1"
	qFirst = "SELECT " + sampleColumns + " FROM samples WHERE " + channelFilter +
		" ORDER BY secs, nsecs, rowid LIMIT 1"
	qPage = "SELECT " + sampleColumns + " FROM samples WHERE " + channelFilter +
		" AND (secs, nsecs, rowid) > (?, ?, ?) ORDER BY secs, nsecs, rowid LIMIT ?"
	qMeta = "SELECT meta FROM channels WHERE name = ? ORDER BY id"
)

// Reader reads one channel's samples in time order. Next fetches pages of samples
// by keyset, so a Reader holds no open statement between calls.
type Reader struct {
	db       *sql.DB
	pageSize int

	channel string
	meta    *archive.Metadata

	// keyset cursor: the last sample handed out
	secs, rowid int64
	nsecs       int32

	page   []row
	pos    int
	eof    bool
	closed bool
	cur    archive.RawRecord
}

type row struct {
	rowid    int64
	secs     int64
	nsecs    int32
	kind     int64
	count    int64
	status   int16
	severity int16
	value    []byte
}

var errReaderClosed = errors.New("reader is closed")

// Find positions the reader on channel: at the latest non-gap sample at or
// before atOrBefore, else at the channel's first sample. A nil time selects the
// first sample. A nil record means the channel has no samples.
func (r *Reader) Find(ctx context.Context, channel string, atOrBefore *archive.TimePoint) (*archive.RawRecord, error) {
	if r.closed {
		return nil, archive.Errorf(archive.ErrArchiveUnavailable, errReaderClosed, "find %q", channel)
	}
	meta, err := r.loadMeta(ctx, channel)
	if err != nil {
		return nil, err
	}
	r.channel, r.meta = channel, meta
	r.page, r.pos, r.eof = nil, 0, false

	var found *row
	if atOrBefore != nil {
		found, err = r.queryOne(ctx, qLatestBefore, channel, atOrBefore.Seconds, atOrBefore.Nanoseconds)
		if err != nil {
			return nil, err
		}
	}
	if found == nil {
		found, err = r.queryOne(ctx, qFirst, channel)
		if err != nil {
			return nil, err
		}
	}
	if found == nil {
		r.eof = true
		return nil, nil
	}
	return r.emit(found)
}

// Next returns the sample after the last one returned, or nil at the end.
func (r *Reader) Next(ctx context.Context) (*archive.RawRecord, error) {
	if r.closed {
		return nil, archive.Errorf(archive.ErrArchiveUnavailable, errReaderClosed, "next %q", r.channel)
	}
	if r.channel == "" || r.eof {
		return nil, nil
	}
	if r.pos >= len(r.page) {
		if err := r.fetch(ctx); err != nil {
			return nil, err
		}
		if len(r.page) == 0 {
			r.eof = true
			return nil, nil
		}
	}
	rw := &r.page[r.pos]
	r.pos++
	return r.emit(rw)
}

// Metadata returns the metadata of the channel last passed to Find.
func (r *Reader) Metadata() *archive.Metadata { return r.meta }

// Close marks the reader unusable.
func (r *Reader) Close() error {
	r.closed = true
	r.page = nil
	return nil
}

func (r *Reader) loadMeta(ctx context.Context, channel string) (*archive.Metadata, error) {
	rows, err := r.db.QueryContext(ctx, qMeta, channel)
	if err != nil {
		return nil, translate(ctx, archive.ErrArchiveUnavailable, err, fmt.Sprintf("looking up %q", channel))
	}
	defer rows.Close()

	found := false
	var latest []byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, translate(ctx, archive.ErrArchiveUnavailable, err, fmt.Sprintf("looking up %q", channel))
		}
		found = true
		if len(b) > 0 {
			latest = b
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translate(ctx, archive.ErrArchiveUnavailable, err, fmt.Sprintf("looking up %q", channel))
	}
	if !found {
		return nil, archive.Errorf(archive.ErrChannelNotFound, nil, "%q", channel)
	}
	meta, err := decodeMetadata(latest)
	if err != nil {
		return nil, archive.Errorf(archive.ErrDecode, err, "metadata of %q", channel)
	}
	return meta, nil
}

func (r *Reader) queryOne(ctx context.Context, q string, args ...any) (*row, error) {
	var rw row
	err := r.db.QueryRowContext(ctx, q, args...).Scan(
		&rw.rowid, &rw.secs, &rw.nsecs, &rw.kind, &rw.count, &rw.status, &rw.severity, &rw.value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(ctx, archive.ErrArchiveUnavailable, err, fmt.Sprintf("reading %q", r.channel))
	}
	return &rw, nil
}

func (r *Reader) fetch(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, qPage, r.channel, r.secs, r.nsecs, r.rowid, r.pageSize)
	if err != nil {
		return translate(ctx, archive.ErrArchiveUnavailable, err, fmt.Sprintf("reading %q", r.channel))
	}
	defer rows.Close()

	page := r.page[:0]
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.rowid, &rw.secs, &rw.nsecs, &rw.kind, &rw.count, &rw.status, &rw.severity, &rw.value); err != nil {
			return translate(ctx, archive.ErrArchiveUnavailable, err, fmt.Sprintf("reading %q", r.channel))
		}
		page = append(page, rw)
	}
	if err := rows.Err(); err != nil {
		return translate(ctx, archive.ErrArchiveUnavailable, err, fmt.Sprintf("reading %q", r.channel))
	}
	r.page, r.pos = page, 0
	return nil
}

// emit advances the cursor to rw and converts it. The returned record is valid
// until the next call on the reader.
func (r *Reader) emit(rw *row) (*archive.RawRecord, error) {
	r.secs, r.nsecs, r.rowid = rw.secs, rw.nsecs, rw.rowid

	kind := archive.Kind(0)
	if rw.kind > 0 && rw.kind <= 255 {
		kind = archive.Kind(rw.kind)
	}
	p, err := payload(rw.value)
	if err != nil {
		return nil, archive.Errorf(archive.ErrDecode, err, "%q at %d.%09d", r.channel, rw.secs, rw.nsecs)
	}
	// Every array element takes at least one payload byte.
	if rw.count < 0 || (rw.count > 1 && rw.count > int64(len(p))) {
		return nil, archive.Errorf(archive.ErrDecode, nil, "%q at %d.%09d: element count %d does not fit a %d byte payload", r.channel, rw.secs, rw.nsecs, rw.count, len(p))
	}
	r.cur = archive.RawRecord{
		Kind:     kind,
		Count:    int(rw.count),
		Time:     archive.TimePoint{Seconds: rw.secs, Nanoseconds: rw.nsecs},
		Status:   rw.status,
		Severity: rw.severity,
		Gap:      archive.IsGapSeverity(rw.severity),
		Payload:  p,
	}
	return &r.cur, nil
}
