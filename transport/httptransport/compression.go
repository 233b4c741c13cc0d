package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// errResponseTooLarge is returned when the response body on the wire exceeds MaxBodyBytes.
	errResponseTooLarge = errors.New("response body exceeds maximum size limit")

	// errResponseDecompressedTooLarge is returned when a gzip body inflates past MaxDecompressedBytes.
	errResponseDecompressedTooLarge = errors.New("decompressed response exceeds maximum size limit")
)

// limitedReader fails with err once more than limit bytes have been read.
type limitedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	err      error
}

func (r *limitedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		// Probe for one more byte: an exactly-sized body is fine.
		var probe [1]byte
		n, err := r.reader.Read(probe[:])
		if n > 0 {
			return 0, r.err
		}
		return 0, err
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

// safeResponseReader returns a reader over resp.Body that enforces the wire
// size limit and, for gzip responses, the decompressed size limit.
func safeResponseReader(resp *http.Response, limits Limits) (io.Reader, func(), error) {
	if resp.ContentLength > 0 && resp.ContentLength > limits.MaxBodyBytes {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errResponseTooLarge, resp.ContentLength, limits.MaxBodyBytes)
	}

	wire := &limitedReader{reader: resp.Body, limit: limits.MaxBodyBytes, err: errResponseTooLarge}

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return wire, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(wire)
		if err != nil {
			return nil, func() {}, fmt.Errorf("invalid gzip data: %w", err)
		}
		inflated := &limitedReader{reader: gz, limit: limits.MaxDecompressedBytes, err: errResponseDecompressedTooLarge}
		return inflated, func() { gz.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported content encoding: %s (only gzip is supported)", encoding)
	}
}

// isSizeLimit reports whether err came from one of the size limits.
func isSizeLimit(err error) bool {
	return errors.Is(err, errResponseTooLarge) || errors.Is(err, errResponseDecompressedTooLarge)
}
