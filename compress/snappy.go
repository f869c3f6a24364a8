package compress

// xerial snappy is the Java implementation of Google's snappy algo. Its
// framing format is the one most broker tooling expects, so we keep it for
// snapshots as well; github.com/eapache/go-xerial-snappy wraps and handles it.
import snappy "github.com/eapache/go-xerial-snappy"

// SnappyCompressor implements Compressor interface
type SnappyCompressor struct{}

// Compress takes in data and applies snappy to it
func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(data), nil
}

// Decompress decompresses snappy-compressed data
func (c *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(data)
}
