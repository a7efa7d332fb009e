// Body compression for the HTTP collaborator.
//
// Responses are decoded according to Content-Encoding (zstd, brotli, gzip).
// Request bodies may optionally be encoded with the same set.

package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is sent on every request, best first.
const acceptEncoding = "zstd, br, gzip"

// decodeBody wraps body with the decompressor named by contentEncoding.
// Closing the result closes body.
func decodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	switch ce := strings.ToLower(strings.TrimSpace(contentEncoding)); ce {
	case "", "identity":
		return body, nil
	case "zstd":
		dec, err := zstd.NewReader(body, zstd.WithDecoderMaxMemory(64<<20))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &decodedBody{Reader: dec, close: func() error { dec.Close(); return body.Close() }}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), close: body.Close}, nil
	case "gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &decodedBody{Reader: gr, close: func() error { return errors.Join(gr.Close(), body.Close()) }}, nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %s", ce)
	}
}

type decodedBody struct {
	io.Reader
	close func() error
}

func (d *decodedBody) Close() error {
	return d.close()
}

// encodeBody compresses b with enc. An empty enc returns b unchanged.
func encodeBody(enc string, b []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch enc {
	case "":
		return b, nil
	case "zstd":
		zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		w = zw
	case "br":
		w = brotli.NewWriterLevel(&buf, brotli.BestSpeed)
	case "gzip":
		gw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		w = gw
	default:
		return nil, fmt.Errorf("unsupported request encoding: %s", enc)
	}
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ValidEncoding reports whether enc can be used to encode request bodies.
func ValidEncoding(enc string) bool {
	switch enc {
	case "", "zstd", "br", "gzip":
		return true
	}
	return false
}
