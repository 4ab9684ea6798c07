package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression selects the payload compression applied by Pack.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// Frame header bytes. The first byte of every packed frame identifies the
// compression so readers never depend on topic configuration to decode.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				return nil
			}
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
)

// Pack wraps data in a self-describing frame, compressing it when asked.
func Pack(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return append([]byte{frameRaw}, data...), nil
	case CompressionZstd:
		enc, ok := encoderPool.Get().(*zstd.Encoder)
		if !ok || enc == nil {
			return nil, fmt.Errorf("failed to initialize zstd encoder")
		}
		defer encoderPool.Put(enc)
		return enc.EncodeAll(data, []byte{frameZstd}), nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

// Unpack reverses Pack using the frame header byte.
func Unpack(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameZstd:
		dec, ok := decoderPool.Get().(*zstd.Decoder)
		if !ok || dec == nil {
			return nil, fmt.Errorf("failed to initialize zstd decoder")
		}
		defer decoderPool.Put(dec)
		out, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown frame header 0x%02x", frame[0])
	}
}

// ParseCompression maps a config string onto a Compression value.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}
