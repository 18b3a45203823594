package output

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/pvexport/internal/export"
)

// WriteMsgpack writes res as a map from channel name to an array of record maps.
// Channel and field order match the JSON form.
func WriteMsgpack(w io.Writer, res *export.Result) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.EncodeMapLen(res.Len()); err != nil {
		return err
	}
	for _, e := range res.Entries() {
		if err := enc.EncodeString(e.Channel); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(e.Records)); err != nil {
			return err
		}
		for i := range e.Records {
			fields := e.Records[i].Fields()
			if err := enc.EncodeMapLen(len(fields)); err != nil {
				return err
			}
			for _, f := range fields {
				if err := enc.EncodeString(f.Key); err != nil {
					return err
				}
				if err := enc.Encode(f.Value); err != nil {
					return fmt.Errorf("failed to encode %s of %q: %w", f.Key, e.Channel, err)
				}
			}
		}
	}
	return nil
}

func writeMsgpackNames(w io.Writer, names []string) error {
	return msgpack.NewEncoder(w).Encode(names)
}
