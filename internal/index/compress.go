package index

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return e
	},
}

// CompressPayload returns p as a zstd frame, the form readers accept in
// samples.value alongside raw payloads.
func CompressPayload(p []byte) []byte {
	e := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(e)
	return e.EncodeAll(p, nil)
}

// payload returns the raw value bytes, inflating zstd frames.
func payload(b []byte) ([]byte, error) {
	if !bytes.HasPrefix(b, zstdMagic) {
		return b, nil
	}
	d := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(d)
	out, err := d.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}
