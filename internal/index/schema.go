package index

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/pvexport/internal/archive"
)

// Schema is the layout of an index file. Channel names are not unique: a name
// may own several channel rows, whose samples read as one stream.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	meta BLOB
);
CREATE INDEX IF NOT EXISTS idx_channels_name ON channels(name);

CREATE TABLE IF NOT EXISTS samples (
	channel_id INTEGER NOT NULL,
	secs       INTEGER NOT NULL,
	nsecs      INTEGER NOT NULL,
	kind       INTEGER NOT NULL,
	count      INTEGER NOT NULL DEFAULT 1,
	status     INTEGER NOT NULL DEFAULT 0,
	severity   INTEGER NOT NULL DEFAULT 0,
	value      BLOB
);
CREATE INDEX IF NOT EXISTS idx_samples_time ON samples(channel_id, secs, nsecs);
`

const (
	categoryNumeric = "numeric"
	categoryEnum    = "enum"
)

// metaDoc is the msgpack form of archive.Metadata stored in channels.meta.
type metaDoc struct {
	Category    string   `msgpack:"category"`
	Units       string   `msgpack:"units,omitempty"`
	DisplayLow  float64  `msgpack:"disp_low,omitempty"`
	DisplayHigh float64  `msgpack:"disp_high,omitempty"`
	LowAlarm    float64  `msgpack:"low_alarm,omitempty"`
	LowWarn     float64  `msgpack:"low_warn,omitempty"`
	HighWarn    float64  `msgpack:"high_warn,omitempty"`
	HighAlarm   float64  `msgpack:"high_alarm,omitempty"`
	Precision   int32    `msgpack:"prec,omitempty"`
	States      []string `msgpack:"states,omitempty"`
}

// EncodeMetadata returns the channels.meta value for m. A nil m or one without a
// category encodes to nil.
func EncodeMetadata(m *archive.Metadata) ([]byte, error) {
	if m == nil || m.Category == archive.MetaNone {
		return nil, nil
	}
	doc := metaDoc{}
	switch m.Category {
	case archive.MetaNumeric:
		doc.Category = categoryNumeric
		doc.Units = m.Units
		doc.DisplayLow = m.Limits.DisplayLow
		doc.DisplayHigh = m.Limits.DisplayHigh
		doc.LowAlarm = m.Limits.LowAlarm
		doc.LowWarn = m.Limits.LowWarn
		doc.HighWarn = m.Limits.HighWarn
		doc.HighAlarm = m.Limits.HighAlarm
		doc.Precision = m.Limits.Precision
	case archive.MetaEnumerated:
		doc.Category = categoryEnum
		doc.States = m.States
	default:
		return nil, fmt.Errorf("unknown metadata category %d", m.Category)
	}
	return msgpack.Marshal(&doc)
}

func decodeMetadata(b []byte) (*archive.Metadata, error) {
	if len(b) == 0 {
		return &archive.Metadata{}, nil
	}
	var doc metaDoc
	if err := msgpack.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	switch doc.Category {
	case categoryNumeric:
		return &archive.Metadata{
			Category: archive.MetaNumeric,
			Units:    doc.Units,
			Limits: archive.Limits{
				DisplayLow:  doc.DisplayLow,
				DisplayHigh: doc.DisplayHigh,
				LowAlarm:    doc.LowAlarm,
				LowWarn:     doc.LowWarn,
				HighWarn:    doc.HighWarn,
				HighAlarm:   doc.HighAlarm,
				Precision:   doc.Precision,
			},
		}, nil
	case categoryEnum:
		return &archive.Metadata{Category: archive.MetaEnumerated, States: doc.States}, nil
	}
	return &archive.Metadata{}, nil
}
