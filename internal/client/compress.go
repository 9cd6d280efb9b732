package client

import (
	"bytes"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// compressMin is the smallest body worth compressing.
const compressMin = 1024

// compressiblePrefixes lists content types that benefit from compression.
var compressiblePrefixes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"application/xhtml",
	"image/svg",
}

var zstdEncoder, _ = zstd.NewWriter(nil,
	zstd.WithEncoderLevel(zstd.SpeedDefault), // zstd level 3
	zstd.WithEncoderConcurrency(1),
)

// maybeCompress compresses body when the requester allows it, the body is
// big enough and the content type is compressible. Preference order: zstd,
// then brotli, then gzip. Returns the (possibly original) body and the
// chosen encoding name ("" when left unchanged).
func maybeCompress(body []byte, acceptEncoding, contentType string) ([]byte, string) {
	if len(body) < compressMin || !isCompressible(contentType) {
		return body, ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	if accepted["zstd"] {
		return zstdEncoder.EncodeAll(body, nil), "zstd"
	}
	if accepted["br"] {
		if out, err := brotliCompress(body); err == nil {
			return out, "br"
		}
		return body, ""
	}
	if accepted["gzip"] {
		if out, err := gzipCompress(body); err == nil {
			return out, "gzip"
		}
		return body, ""
	}
	return body, ""
}

func isCompressible(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range compressiblePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// parseAcceptEncoding returns the set of codings the requester accepts.
// Quality values are not weighed; presence is enough for this purpose.
func parseAcceptEncoding(header string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name := strings.TrimSpace(part)
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		if name != "" {
			out[strings.ToLower(name)] = true
		}
	}
	return out
}

func brotliCompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipCompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, 6)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
