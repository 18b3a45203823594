package export

import (
	"bytes"

	"github.com/basekick-labs/pvexport/internal/decode"
)

// Record is one exported sample.
type Record = decode.Record

// Entry is the record sequence of one channel.
type Entry struct {
	Channel string
	Records []Record
}

// Result maps channel names to their records, in request order.
type Result struct {
	entries []Entry
	index   map[string]int
	gaps    int
}

// Len returns the number of channels.
func (r *Result) Len() int { return len(r.entries) }

// Entries returns the channel sequences in request order. The slice must not be
// modified.
func (r *Result) Entries() []Entry { return r.entries }

// Channels returns the channel names in request order.
func (r *Result) Channels() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Channel
	}
	return names
}

// Records returns the sequence for channel.
func (r *Result) Records(channel string) ([]Record, bool) {
	i, ok := r.index[channel]
	if !ok {
		return nil, false
	}
	return r.entries[i].Records, true
}

// RecordCount returns the total number of records across channels.
func (r *Result) RecordCount() int {
	n := 0
	for _, e := range r.entries {
		n += len(e.Records)
	}
	return n
}

// GapsSkipped returns how many recording gap markers the scan consumed.
func (r *Result) GapsSkipped() int { return r.gaps }

// MarshalJSON writes the result as one object keyed by channel, keeping request
// order.
func (r *Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(decode.AppendJSONString(nil, e.Channel))
		buf.WriteString(":[")
		for j := range e.Records {
			if j > 0 {
				buf.WriteByte(',')
			}
			rec, err := e.Records[j].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(rec)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// builder accumulates channel sequences while a request runs. Nothing it holds is
// visible to callers until commit.
type builder struct {
	entries []Entry
	index   map[string]int
	gaps    int
}

func newBuilder(capacity int) *builder {
	return &builder{
		entries: make([]Entry, 0, capacity),
		index:   make(map[string]int, capacity),
	}
}

func (b *builder) has(channel string) bool {
	_, ok := b.index[channel]
	return ok
}

func (b *builder) add(channel string, records []Record) {
	b.index[channel] = len(b.entries)
	b.entries = append(b.entries, Entry{Channel: channel, Records: records})
}

func (b *builder) commit() *Result {
	r := &Result{entries: b.entries, index: b.index, gaps: b.gaps}
	b.entries, b.index = nil, nil
	return r
}
