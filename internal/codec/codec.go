// Package codec implements the zlib framing used by the legacy master-server protocol.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ErrTooLarge is returned when a decompressed payload exceeds the allowed size.
var ErrTooLarge = errors.New("decompressed payload too large")

// Compress returns data wrapped in a zlib stream.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress inflates a zlib stream, refusing output larger than limit bytes.
func Decompress(data []byte, limit int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid zlib stream: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("invalid zlib stream: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}

	return out, nil
}

// IsZlib reports whether data starts with a valid zlib header (RFC 1950).
func IsZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}

	cmf, flg := data[0], data[1]
	return cmf&0x0f == 8 && cmf>>4 <= 7 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// Unwrap returns the raw payload: inflated when data is a zlib stream, unchanged otherwise.
func Unwrap(data []byte, limit int64) ([]byte, error) {
	if IsZlib(data) {
		return Decompress(data, limit)
	}

	return data, nil
}
