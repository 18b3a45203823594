// Package decode converts raw archive records into exported values.
//
// Conversion is table driven: every archive.Kind maps to one entry that knows the
// element width and how to read a single element; the shared convert function
// handles the scalar/array split and payload bounds for all kinds alike.
package decode

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/basekick-labs/pvexport/internal/archive"
)

// StringSize is the width of one text element: a NUL-padded fixed slot.
const StringSize = 40

// Decoder converts raw records. It holds no state and is safe for concurrent
// use.
type Decoder struct{}

// New returns a Decoder.
func New() *Decoder {
	return &Decoder{}
}

type kindCodec struct {
	width  int
	decode func(d *Decoder, payload []byte, count int) (any, error)
}

var codecs = map[archive.Kind]kindCodec{
	archive.KindText: {StringSize, func(d *Decoder, p []byte, n int) (any, error) {
		return convert(p, n, StringSize, d.text)
	}},
	archive.KindInt8: {1, func(d *Decoder, p []byte, n int) (any, error) {
		if n > 1 {
			if n > len(p) {
				return nil, shortPayload(len(p), n)
			}
			return bytes.Clone(p[:n]), nil
		}
		return convert(p, n, 1, func(b []byte) int64 { return int64(b[0]) })
	}},
	archive.KindInt16: {2, func(d *Decoder, p []byte, n int) (any, error) {
		return convert(p, n, 2, func(b []byte) int64 { return int64(int16(binary.LittleEndian.Uint16(b))) })
	}},
	archive.KindInt32: {4, func(d *Decoder, p []byte, n int) (any, error) {
		return convert(p, n, 4, func(b []byte) int64 { return int64(int32(binary.LittleEndian.Uint32(b))) })
	}},
	archive.KindFloat32: {4, func(d *Decoder, p []byte, n int) (any, error) {
		return convert(p, n, 4, func(b []byte) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))) })
	}},
	archive.KindFloat64: {8, func(d *Decoder, p []byte, n int) (any, error) {
		return convert(p, n, 8, func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) })
	}},
	archive.KindEnum: {2, func(d *Decoder, p []byte, n int) (any, error) {
		return convert(p, n, 2, func(b []byte) int64 { return int64(binary.LittleEndian.Uint16(b)) })
	}},
}

// convert reads one element (count <= 1) or count elements of the given width.
func convert[T any](payload []byte, count, width int, elem func([]byte) T) (any, error) {
	if count <= 1 {
		if len(payload) < width {
			return nil, shortPayload(len(payload), width)
		}
		return elem(payload[:width]), nil
	}
	// Compare by division: count comes from the archive and count*width may
	// overflow.
	if count > len(payload)/width {
		return nil, archive.Errorf(archive.ErrDecode, nil, "payload has %d bytes, too short for %d elements of %d bytes", len(payload), count, width)
	}
	out := make([]T, count)
	for i := range out {
		out[i] = elem(payload[i*width : (i+1)*width])
	}
	return out, nil
}

func shortPayload(have, want int) error {
	return archive.Errorf(archive.ErrDecode, nil, "payload has %d bytes, need %d", have, want)
}

// text returns one NUL-padded slot up to its first NUL, byte for byte. Bytes
// that are not UTF-8 stay in the string; Record.MarshalJSON escapes them.
func (d *Decoder) text(slot []byte) string {
	if i := bytes.IndexByte(slot, 0); i >= 0 {
		slot = slot[:i]
	}
	return string(slot)
}

// Value decodes the payload of rec.
func (d *Decoder) Value(rec *archive.RawRecord) (any, error) {
	c, ok := codecs[rec.Kind]
	if !ok {
		return nil, archive.Errorf(archive.ErrUnsupportedValueKind, nil, "%s", rec.Kind)
	}
	return c.decode(d, rec.Payload, rec.Count)
}

// Decode converts rec into a Record, attaching the categories in want. meta is the
// channel's current metadata and may be nil.
func (d *Decoder) Decode(rec *archive.RawRecord, meta *archive.Metadata, want Categories) (Record, error) {
	v, err := d.Value(rec)
	if err != nil {
		return Record{}, err
	}
	out := Record{Value: v, Time: rec.Time}
	if meta == nil {
		meta = &archive.Metadata{}
	}

	if want.Units && meta.Category == archive.MetaNumeric {
		u := meta.Units
		out.Unit = &u
	}
	if want.Status {
		out.Alarm = &Alarm{
			Status:       rec.Status,
			StatusText:   StatusText(rec.Status),
			Severity:     rec.Severity,
			SeverityText: SeverityText(rec.Severity),
		}
	}
	if want.Info {
		switch meta.Category {
		case archive.MetaNumeric:
			l := meta.Limits
			out.Limits = &l
		case archive.MetaEnumerated:
			out.Enum = &EnumState{}
			if rec.Kind == archive.KindEnum {
				out.Enum.Text = stateText(meta.States, v)
			}
		}
	}
	return out, nil
}

// stateText looks up a scalar enum index in the channel's labels.
func stateText(states []string, v any) *string {
	idx, ok := v.(int64)
	if !ok || idx < 0 || idx >= int64(len(states)) {
		return nil
	}
	s := states[idx]
	return &s
}
