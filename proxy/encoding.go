package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var errEncodingNotSupport = errors.New("content-encoding not support")

// Decode undoes a Content-Encoding. An empty or identity encoding
// returns body unchanged.
func Decode(enc string, body []byte) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %s", errEncodingNotSupport, enc)
	}
	return io.ReadAll(r)
}

// Encode applies a Content-Encoding.
func Encode(enc string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = zw
	default:
		return nil, fmt.Errorf("%w: %s", errEncodingNotSupport, enc)
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodedBody returns the body with its Content-Encoding removed.
func (r *Response) DecodedBody() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return Decode(r.Header.Get("Content-Encoding"), r.Body)
}

// ReplaceToDecodedBody decodes the body in place and drops the
// Content-Encoding header.
func (r *Response) ReplaceToDecodedBody() error {
	body, err := r.DecodedBody()
	if err != nil {
		return err
	}
	r.Body = body
	r.Header.Del("Content-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// SetBody replaces the body and keeps Content-Length consistent.
func (r *Response) SetBody(body []byte) {
	r.Body = body
	r.BodyReader = nil
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// IsStream reports whether the body is passed through unbuffered, in
// which case Body is nil and BodyReader holds the stream.
func (r *Response) IsStream() bool {
	return r.BodyReader != nil
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.Contains(ct, "json")
}
