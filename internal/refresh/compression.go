package refresh

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipReaders   = sync.Pool{New: func() interface{} { return new(gzip.Reader) }}
	brotliReaders = sync.Pool{New: func() interface{} { return brotli.NewReader(nil) }}
	emptyReader   = strings.NewReader("")
)

// decompressor is a RoundTripper that advertises br/gzip/deflate and decodes
// the response body, so the refresher sees plain HTML whatever the edge
// chose to send.
type decompressor struct {
	next http.RoundTripper
}

func (d decompressor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}
	resp, err := d.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

type decodedBody struct {
	io.ReadCloser
	raw     io.ReadCloser
	release func()
}

func (b *decodedBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(b.ReadCloser.Close(), b.raw.Close())
}

// decodeBody unwraps every Content-Encoding layer, last applied first.
func decodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			reader  io.ReadCloser
			release func()
		)
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "gzip", "x-gzip":
			zr := gzipReaders.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaders.Put(zr)
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = zr
			release = func() {
				_ = zr.Reset(emptyReader)
				gzipReaders.Put(zr)
			}
		case "br":
			br := brotliReaders.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brotliReaders.Put(br)
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() {
				_ = br.Reset(emptyReader)
				brotliReaders.Put(br)
			}
		case "deflate":
			reader = inflate(resp.Body)
		case "identity", "":
			continue
		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", enc)
		}
		resp.Body = &decodedBody{ReadCloser: reader, raw: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// inflate reads zlib wrapped deflate, falling back to raw deflate when the
// zlib header is missing, as some servers send.
func inflate(r io.Reader) io.ReadCloser {
	var head bytes.Buffer
	zr, err := zlib.NewReader(io.TeeReader(r, &head))
	if err == nil {
		return zr
	}
	return flate.NewReader(io.MultiReader(&head, r))
}
