package decode

import (
	"bytes"
	"encoding/json"
	"math"
	"unicode/utf8"

	"github.com/basekick-labs/pvexport/internal/archive"
)

// Categories selects the optional parts of a Record.
type Categories struct {
	Units  bool
	Status bool
	Info   bool
}

// Alarm is the status category of a Record. Text fields are nil when the code has
// no name.
type Alarm struct {
	Status       int16
	StatusText   *string
	Severity     int16
	SeverityText *string
}

// EnumState is the enumerated part of the info category. Text is nil when the
// index has no label.
type EnumState struct {
	Text *string
}

// Record is one exported sample. Pointer fields are nil when their category was
// not requested or does not apply to the channel.
type Record struct {
	Value  any
	Time   archive.TimePoint
	Unit   *string
	Alarm  *Alarm
	Limits *archive.Limits
	Enum   *EnumState
}

// Field is one key/value pair of a Record in output order.
type Field struct {
	Key   string
	Value any
}

// Fields flattens the record into its output keys, in a stable order. Unknown
// texts are present with a nil value.
func (r *Record) Fields() []Field {
	fs := make([]Field, 0, 16)
	fs = append(fs,
		Field{"value", r.Value},
		Field{"seconds", r.Time.Seconds},
		Field{"nanoseconds", r.Time.Nanoseconds},
	)
	if r.Unit != nil {
		fs = append(fs, Field{"unit", *r.Unit})
	}
	if a := r.Alarm; a != nil {
		fs = append(fs,
			Field{"status", a.Status},
			Field{"status_string", optional(a.StatusText)},
			Field{"severity", a.Severity},
			Field{"severity_string", optional(a.SeverityText)},
		)
	}
	if l := r.Limits; l != nil {
		fs = append(fs,
			Field{"low_alarm", l.LowAlarm},
			Field{"low_warn", l.LowWarn},
			Field{"high_warn", l.HighWarn},
			Field{"high_alarm", l.HighAlarm},
			Field{"disp_low", l.DisplayLow},
			Field{"disp_high", l.DisplayHigh},
			Field{"precision", l.Precision},
		)
	}
	if r.Enum != nil {
		fs = append(fs, Field{"enum_string", optional(r.Enum.Text)})
	}
	return fs
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// MarshalJSON writes the record as an object with keys in Fields order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f.Key)
		buf.Write(key)
		buf.WriteByte(':')
		if err := writeJSONValue(&buf, f.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		buf.Write(AppendJSONString(nil, x))
		return nil
	case []string:
		buf.WriteByte('[')
		for i, s := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(AppendJSONString(nil, s))
		}
		buf.WriteByte(']')
		return nil
	}
	val, err := json.Marshal(jsonValue(v))
	if err != nil {
		return err
	}
	buf.Write(val)
	return nil
}

const hexDigits = "0123456789abcdef"

// AppendJSONString appends s as a JSON string literal. Each byte that is not
// part of valid UTF-8 is written as the lone surrogate escape \udcXX, where XX
// is the byte. Valid UTF-8 never decodes to a surrogate, so distinct inputs
// give distinct literals and the bytes can be recovered.
func AppendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				dst = append(dst, '\\', c)
			case c == '\n':
				dst = append(dst, '\\', 'n')
			case c == '\r':
				dst = append(dst, '\\', 'r')
			case c == '\t':
				dst = append(dst, '\\', 't')
			case c < 0x20 || c == 0x7f:
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			default:
				dst = append(dst, c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, '\\', 'u', 'd', 'c', hexDigits[c>>4], hexDigits[c&0xf])
			i++
			continue
		}
		dst = append(dst, s[i:i+size]...)
		i += size
	}
	return append(dst, '"')
}

// jsonValue keeps int8 blobs as arrays of numbers instead of base64 text and
// spells non-finite floats as strings, which JSON numbers cannot carry.
func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		out := make([]int, len(x))
		for i, c := range x {
			out[i] = int(c)
		}
		return out
	case float64:
		return jsonFloat(x)
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = jsonFloat(f)
		}
		return out
	}
	return v
}

func jsonFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return f
}
