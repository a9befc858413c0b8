package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how FileSink stores activity files.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression maps a config value to a Compression. Empty means none.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(name)); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd:
		return c, nil
	default:
		return "", fmt.Errorf("store: unknown compression %q (want none, gzip or zstd)", name)
	}
}

// Extension returns the file suffix for an activity written with c.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".fit.gz"
	case CompressionZstd:
		return ".fit.zst"
	default:
		return ".fit"
	}
}

// FileSink writes one file per activity into a directory. Files appear
// atomically: data goes to a temporary file that is renamed into place.
type FileSink struct {
	dir         string
	compression Compression
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, c Compression) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create activity dir: %w", err)
	}
	return &FileSink{dir: dir, compression: c}, nil
}

// Filename returns the name an activity gets inside the sink directory.
func (s *FileSink) Filename(id string, start time.Time) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s%s", start.UTC().Format("20060102-150405"), short, s.compression.Extension())
}

// WriteActivity implements session.Sink and returns the written path.
func (s *FileSink) WriteActivity(ctx context.Context, id string, start time.Time, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	encoded, err := compress(data, s.compression)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, s.Filename(id, start))
	tmp, err := os.CreateTemp(s.dir, ".activity-*.tmp")
	if err != nil {
		return "", fmt.Errorf("store: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: write activity: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: sync activity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("store: close activity: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("store: rename activity: %w", err)
	}
	return path, nil
}

// ReadActivity returns the FIT bytes of a file written by a FileSink,
// decompressing according to its extension.
func ReadActivity(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read activity: %w", err)
	}
	switch {
	case strings.HasSuffix(path, CompressionGzip.Extension()):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("store: gzip reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("store: gunzip activity: %w", err)
		}
		return out, nil
	case strings.HasSuffix(path, CompressionZstd.Extension()):
		out, err := zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("store: zstd decompress: %w", err)
		}
		return out, nil
	default:
		return raw, nil
	}
}

// zstdEncoder and zstdDecoder are shared; EncodeAll and DecodeAll are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionGzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("store: gzip writer: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("store: gzip activity: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("store: gzip activity: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}
