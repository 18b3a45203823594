// Package archivetest provides an in-memory archive for tests of code that consumes
// the archive interfaces.
package archivetest

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/basekick-labs/pvexport/internal/archive"
)

// Channel is the content of one channel in a Memory archive. Records must be in
// time order.
type Channel struct {
	Meta    archive.Metadata
	Records []archive.RawRecord
}

// Memory is an archive.Archive (and archive.Opener) backed by maps. It records how
// it was used so tests can assert on resource handling.
type Memory struct {
	// Names is the catalog order; it may repeat names and may list names that
	// have no Channel entry.
	Names    []string
	Channels map[string]*Channel

	// FailCatalog makes Catalog iteration fail after this many names (-1 = never).
	FailCatalog int
	// FailNextAt makes Reader.Next fail on the record with this timestamp.
	FailNextAt *archive.TimePoint

	mu          sync.Mutex
	closed      bool
	openReaders int
	NextCalls   int
}

// NewMemory returns an empty Memory archive.
func NewMemory() *Memory {
	return &Memory{Channels: make(map[string]*Channel), FailCatalog: -1}
}

// Add appends a channel (and its name to the catalog).
func (m *Memory) Add(name string, ch *Channel) *Memory {
	m.Names = append(m.Names, name)
	m.Channels[name] = ch
	return m
}

// Open implements archive.Opener by returning m itself.
func (m *Memory) Open(ctx context.Context, path string) (archive.Archive, error) {
	if path == "" {
		return nil, archive.Errorf(archive.ErrArchiveUnavailable, nil, "empty archive path")
	}
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	return m, nil
}

// Closed reports whether Close was called since the last Open.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// OpenReaders reports how many readers are still open.
func (m *Memory) OpenReaders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openReaders
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Catalog(ctx context.Context) (archive.Catalog, error) {
	if m.FailCatalog == 0 {
		return nil, archive.Errorf(archive.ErrCatalogUnavailable, nil, "catalog disabled")
	}
	return &catalog{m: m, pos: -1}, nil
}

func (m *Memory) NewReader() (archive.Reader, error) {
	m.mu.Lock()
	m.openReaders++
	m.mu.Unlock()
	return &reader{m: m}, nil
}

type catalog struct {
	m   *Memory
	pos int
	err error
}

func (c *catalog) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	c.pos++
	if c.m.FailCatalog > 0 && c.pos >= c.m.FailCatalog {
		c.err = archive.Errorf(archive.ErrCatalogUnavailable, nil, "catalog broken at entry %d", c.pos)
		return false
	}
	return c.pos < len(c.m.Names)
}

func (c *catalog) Name() string { return c.m.Names[c.pos] }
func (c *catalog) Err() error   { return c.err }
func (c *catalog) Close() error { return nil }

type reader struct {
	m      *Memory
	ch     *Channel
	pos    int
	closed bool
}

func (r *reader) Find(ctx context.Context, channel string, atOrBefore *archive.TimePoint) (*archive.RawRecord, error) {
	ch, ok := r.m.Channels[channel]
	if !ok {
		return nil, archive.Errorf(archive.ErrChannelNotFound, nil, "%q", channel)
	}
	r.ch = ch
	if len(ch.Records) == 0 {
		r.pos = 0
		return nil, nil
	}
	r.pos = 0
	if atOrBefore != nil {
		for i, rec := range ch.Records {
			if atOrBefore.Before(rec.Time) {
				break
			}
			if !rec.Gap {
				r.pos = i
			}
		}
	}
	return &ch.Records[r.pos], nil
}

func (r *reader) Next(ctx context.Context) (*archive.RawRecord, error) {
	r.m.mu.Lock()
	r.m.NextCalls++
	r.m.mu.Unlock()
	if r.ch == nil {
		return nil, nil
	}
	r.pos++
	if r.pos >= len(r.ch.Records) {
		r.pos = len(r.ch.Records)
		return nil, nil
	}
	rec := &r.ch.Records[r.pos]
	if r.m.FailNextAt != nil && rec.Time == *r.m.FailNextAt {
		return nil, archive.Errorf(archive.ErrArchiveUnavailable, nil, "read failure at %s", rec.Time)
	}
	return rec, nil
}

func (r *reader) Metadata() *archive.Metadata {
	if r.ch == nil {
		return &archive.Metadata{}
	}
	return &r.ch.Meta
}

func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.m.mu.Lock()
	r.m.openReaders--
	r.m.mu.Unlock()
	return nil
}

// At returns a TimePoint with whole seconds.
func At(sec int64) archive.TimePoint {
	return archive.TimePoint{Seconds: sec}
}

// Double builds a scalar float64 record.
func Double(sec int64, v float64) archive.RawRecord {
	return archive.RawRecord{Kind: archive.KindFloat64, Count: 1, Time: At(sec), Payload: Float64s(v)}
}

// Gap builds a gap marker record.
func Gap(sec int64) archive.RawRecord {
	return archive.RawRecord{Kind: archive.KindFloat64, Count: 1, Time: At(sec), Gap: true, Severity: 0x0f40}
}

// Float64s packs values little-endian.
func Float64s(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

// Float32s packs values little-endian.
func Float32s(vs ...float32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// Int32s packs values little-endian.
func Int32s(vs ...int32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

// Int16s packs values little-endian; enum payloads use the same layout.
func Int16s(vs ...int16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

// Strings packs values into fixed 40-byte NUL-padded slots.
func Strings(vs ...string) []byte {
	const slot = 40
	b := make([]byte, slot*len(vs))
	for i, v := range vs {
		copy(b[slot*i:slot*i+slot-1], v)
	}
	return b
}
