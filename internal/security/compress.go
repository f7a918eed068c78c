package security

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor is a pooled zstd encoder/decoder pair.
type Compressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCompressor creates a Compressor.
func NewCompressor() *Compressor {
	c := &Compressor{}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c
}

// Compress returns the zstd frame for data.
func (c *Compressor) Compress(data []byte) []byte {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
