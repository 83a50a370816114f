package publish

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Compression names accepted in configuration.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
)

// Compressor compresses archive objects.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Extension is appended to object keys, e.g. ".gz".
	Extension() string
	// Encoding is the Content-Encoding of compressed objects.
	Encoding() string
}

// GetCompressor returns the compressor for name; empty means none.
func GetCompressor(name string) (Compressor, error) {
	switch name {
	case "", CompressionNone:
		return noneCompressor{}, nil
	case CompressionGzip:
		return gzipCompressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", name)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Extension() string                      { return "" }
func (noneCompressor) Encoding() string                       { return "" }

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}

func (gzipCompressor) Extension() string { return ".gz" }
func (gzipCompressor) Encoding() string  { return "gzip" }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode failed: %w", err)
	}
	return out, nil
}

func (snappyCompressor) Extension() string { return ".snappy" }
func (snappyCompressor) Encoding() string  { return "snappy" }
