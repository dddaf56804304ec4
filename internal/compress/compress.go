// Package compress encodes script responses and decodes request bodies
// for the content codings the server understands: br, gzip and deflate.
package compress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// MaxDecodedSize caps how much a compressed request body may expand to.
const MaxDecodedSize = 128 * 1024 * 1024 // 128 MB

// MinSize is the smallest response body worth compressing.
const MinSize = 1024

// preference orders the codings we produce, best first.
var preference = []string{"br", "gzip", "deflate"}

// NewWriter creates a compression writer for the given coding.
func NewWriter(w io.Writer, coding string) (io.WriteCloser, error) {
	switch coding {
	case "gzip":
		return gzip.NewWriter(w), nil
	case "deflate":
		return flate.NewWriter(w, flate.DefaultCompression)
	case "br":
		return brotli.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported coding %q", coding)
	}
}

// Encode compresses data with coding.
func Encode(coding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, coding)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// NewReader wraps r with a decoder for coding. The identity coding (or an
// empty one) returns r unchanged.
func NewReader(r io.Reader, coding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(coding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported coding %q", coding)
	}
}

// Decode reads all of r through the decoder for coding, refusing output
// larger than limit bytes.
func Decode(r io.Reader, coding string, limit int64) ([]byte, error) {
	if limit <= 0 || limit > MaxDecodedSize {
		limit = MaxDecodedSize
	}
	dec, err := NewReader(r, coding)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := io.ReadAll(io.LimitReader(dec, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("decompress: output exceeds %d bytes", limit)
	}
	return out, nil
}

// Negotiate picks the response coding from an Accept-Encoding header value.
// It returns "" when nothing acceptable is offered.
func Negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	weights := make(map[string]float64)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, q := parseCoding(part)
		if name == "" {
			continue
		}
		weights[name] = q
	}
	best, bestQ := "", 0.0
	for _, coding := range preference {
		q, ok := weights[coding]
		if !ok {
			q, ok = weights["*"]
		}
		if ok && q > bestQ {
			best, bestQ = coding, q
		}
	}
	return best
}

func parseCoding(part string) (string, float64) {
	fields := strings.Split(part, ";")
	name := strings.ToLower(strings.TrimSpace(fields[0]))
	q := 1.0
	for _, param := range fields[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			q = f
		}
	}
	return name, q
}
