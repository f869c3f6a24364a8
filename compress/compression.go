// Package compress holds the codecs used to compress controller snapshots.
// The codec type is stored as the first byte of a snapshot so a node can
// restore a snapshot produced with a different configured codec.
package compress

import "fmt"

// CompressionType identifies one of the supported codecs
type CompressionType uint8

// Supported compression types
const (
	NONE   CompressionType = 0
	GZIP   CompressionType = 1
	SNAPPY CompressionType = 2
	LZ4    CompressionType = 3
	ZSTD   CompressionType = 4
)

var compressors = map[CompressionType]Compressor{
	NONE:   nil,
	GZIP:   &GzipCompressor{},
	SNAPPY: &SnappyCompressor{},
	LZ4:    &LZ4Compressor{},
	ZSTD:   &ZSTDCompressor{},
}

var names = map[string]CompressionType{
	"none":   NONE,
	"gzip":   GZIP,
	"snappy": SNAPPY,
	"lz4":    LZ4,
	"zstd":   ZSTD,
}

// Compressor compresses and decompresses byte slices
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// GetCompressor returns the Compressor of a compression type, nil for NONE
func GetCompressor(t CompressionType) Compressor {
	return compressors[t]
}

// ParseType maps a codec name from the configuration to its compression type
func ParseType(name string) (CompressionType, error) {
	t, ok := names[name]
	if !ok {
		return NONE, fmt.Errorf("unknown compression codec: %q", name)
	}
	return t, nil
}

// Frame prepends the codec byte and compresses data with it
func Frame(t CompressionType, data []byte) ([]byte, error) {
	c := GetCompressor(t)
	if c == nil {
		return append([]byte{byte(NONE)}, data...), nil
	}
	compressed, err := c.Compress(data)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(t)}, compressed...), nil
}

// Unframe reads the codec byte and decompresses the rest
func Unframe(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty snapshot frame")
	}
	t := CompressionType(data[0])
	payload := data[1:]
	c, ok := compressors[t]
	if !ok {
		return nil, fmt.Errorf("unknown compression codec byte: %d", data[0])
	}
	if c == nil {
		return payload, nil
	}
	return c.Decompress(payload)
}
