package compress

import (
	"bytes"
	"sync"

	log "github.com/CefBoud/moncontroller/logging"
	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements Compressor interface
type LZ4Compressor struct{}

// Multiple instances of writers and readers can put pressure on the memory,
// we use a sync pool to reuse instances instead of letting the GC deal with them
var (
	lz4WriterPool = sync.Pool{
		New: func() any {
			return lz4.NewWriter(nil)
		},
	}
	lz4ReaderPool = sync.Pool{
		New: func() any {
			return lz4.NewReader(nil)
		},
	}
)

// Compress takes in data and applies LZ4 to it
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4WriterPool.Get().(*lz4.Writer)
	writer.Reset(&buf)
	defer lz4WriterPool.Put(writer)
	if _, err := writer.Write(data); err != nil {
		log.Error("Failed to compress data: %v", err)
		return nil, err
	}
	if err := writer.Close(); err != nil {
		log.Error("Failed to close LZ4 writer: %v", err)
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress decompresses LZ4-compressed data
func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	reader := lz4ReaderPool.Get().(*lz4.Reader)
	reader.Reset(bytes.NewReader(data))
	defer lz4ReaderPool.Put(reader)

	var decompressedData bytes.Buffer
	if _, err := decompressedData.ReadFrom(reader); err != nil {
		log.Error("Failed to decompress data: %v", err)
		return nil, err
	}
	return decompressedData.Bytes(), nil
}
