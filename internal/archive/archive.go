// Package archive defines the read-only view of a channel archive that the export
// engine consumes: the record and metadata model, the reader and catalog
// capabilities, and the closed set of failure kinds.
//
// Concrete archives live elsewhere (see internal/index); everything in the engine
// depends only on the interfaces declared here.
package archive

import (
	"context"
	"fmt"
	"time"
)

// TimePoint is an absolute timestamp with nanosecond resolution.
type TimePoint struct {
	Seconds     int64
	Nanoseconds int32
}

// FromTime converts a time.Time to a TimePoint.
func FromTime(t time.Time) TimePoint {
	return TimePoint{Seconds: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

// Time returns the TimePoint as a UTC time.Time.
func (p TimePoint) Time() time.Time {
	return time.Unix(p.Seconds, int64(p.Nanoseconds)).UTC()
}

// Compare returns -1, 0 or +1 depending on whether p is before, equal to or after q.
func (p TimePoint) Compare(q TimePoint) int {
	switch {
	case p.Seconds < q.Seconds:
		return -1
	case p.Seconds > q.Seconds:
		return 1
	case p.Nanoseconds < q.Nanoseconds:
		return -1
	case p.Nanoseconds > q.Nanoseconds:
		return 1
	}
	return 0
}

// Before reports whether p is strictly before q.
func (p TimePoint) Before(q TimePoint) bool { return p.Compare(q) < 0 }

// Prev returns the latest representable TimePoint strictly before p.
func (p TimePoint) Prev() TimePoint {
	if p.Nanoseconds > 0 {
		return TimePoint{Seconds: p.Seconds, Nanoseconds: p.Nanoseconds - 1}
	}
	return TimePoint{Seconds: p.Seconds - 1, Nanoseconds: 999_999_999}
}

func (p TimePoint) String() string {
	return fmt.Sprintf("%d.%09d", p.Seconds, p.Nanoseconds)
}

// TimeRange bounds a scan. A nil Start means "from the earliest record",
// a nil End means "through the latest record".
type TimeRange struct {
	Start *TimePoint
	End   *TimePoint
}

// Kind is the declared value type of a raw record.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindInt8
	KindInt16
	KindInt32
	KindFloat32
	KindFloat64
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindEnum:
		return "enum"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// RawRecord is one sample as stored in the archive. Payload holds Count
// little-endian elements of the declared Kind. A record is only valid until the
// next call on the Reader that produced it.
type RawRecord struct {
	Kind     Kind
	Count    int
	Time     TimePoint
	Status   int16
	Severity int16
	// Gap marks a synthetic record written when recording was interrupted.
	// It carries no sample value.
	Gap     bool
	Payload []byte
}

// MetaCategory tells which parts of Metadata are meaningful.
type MetaCategory uint8

const (
	MetaNone MetaCategory = iota
	MetaNumeric
	MetaEnumerated
)

// Limits holds the numeric display and alarm limits of a channel.
type Limits struct {
	DisplayLow  float64
	DisplayHigh float64
	LowAlarm    float64
	LowWarn     float64
	HighWarn    float64
	HighAlarm   float64
	Precision   int32
}

// Metadata describes a channel: units and limits for numeric channels,
// state labels for enumerated ones.
type Metadata struct {
	Category MetaCategory
	Units    string
	Limits   Limits
	States   []string
}

// Opener opens archives by location.
type Opener interface {
	Open(ctx context.Context, path string) (Archive, error)
}

// Archive is an open, read-only archive handle. Close releases every resource
// acquired by Open, including readers and catalogs that were not closed.
type Archive interface {
	Catalog(ctx context.Context) (Catalog, error)
	NewReader() (Reader, error)
	Close() error
}

// Reader walks the record stream of one channel at a time.
type Reader interface {
	// Find positions the reader on channel and returns the record at or before
	// atOrBefore (or the first record when atOrBefore is nil, or when nothing
	// precedes it). A nil record with a nil error means the channel exists but
	// holds no data. Unknown channels fail with ErrChannelNotFound.
	Find(ctx context.Context, channel string, atOrBefore *TimePoint) (*RawRecord, error)

	// Next advances the stream positioned by Find. A nil record means the stream
	// is exhausted.
	Next(ctx context.Context) (*RawRecord, error)

	// Metadata returns the metadata of the channel positioned by Find.
	Metadata() *Metadata

	Close() error
}

// Catalog iterates the channel names stored in an archive, in archive order.
// Names may repeat.
type Catalog interface {
	Next(ctx context.Context) bool
	Name() string
	Err() error
	Close() error
}

// Severity codes the archive engine writes in place of an alarm severity.
const (
	SeverityRepeat    int16 = 0x0f10
	SeverityDisabled  int16 = 0x0f08
	SeverityDisconn   int16 = 0x0f40
	SeverityStopped   int16 = 0x0f48
	SeverityEstRepeat int16 = 0x0f80
)

// IsGapSeverity reports whether sev marks an interruption of recording
// (channel disconnected, archiving stopped or disabled).
func IsGapSeverity(sev int16) bool {
	return sev == SeverityDisconn || sev == SeverityStopped || sev == SeverityDisabled
}
