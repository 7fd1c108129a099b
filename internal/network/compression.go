package network

import (
	"bufio"
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

var brotliReaderPool = sync.Pool{
	New: func() interface{} { return brotli.NewReader(nil) },
}

// CompressionMiddleware is an http.RoundTripper that advertises gzip, deflate
// and brotli and decodes the response body accordingly.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// layeredBody closes the decoder and then the body it reads from.
type layeredBody struct {
	io.Reader
	closers []func() error
}

func (b *layeredBody) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// DecompressResponse wraps resp.Body with decoders for every Content-Encoding
// layer, last applied first. On error the body may be partially consumed.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	// A single header may list several codings separated by commas.
	var layers []string
	for _, v := range encodings {
		for _, part := range strings.Split(v, ",") {
			layers = append(layers, strings.ToLower(strings.TrimSpace(part)))
		}
	}

	for i := len(layers) - 1; i >= 0; i-- {
		inner := resp.Body
		var body *layeredBody

		switch layers[i] {
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(inner)
			if err != nil {
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			body = &layeredBody{Reader: zr, closers: []func() error{zr.Close, inner.Close}}
		case "deflate":
			body = newDeflateBody(inner)
		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(inner); err != nil {
				brotliReaderPool.Put(br)
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			body = &layeredBody{Reader: br, closers: []func() error{
				func() error { brotliReaderPool.Put(br); return nil },
				inner.Close,
			}}
		case "identity", "":
			continue
		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", layers[i])
		}
		resp.Body = body
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// newDeflateBody accepts both zlib wrapped (RFC 1950) and raw (RFC 1951)
// deflate streams, since servers disagree on which one "deflate" means.
func newDeflateBody(inner io.ReadCloser) *layeredBody {
	buffered := bufio.NewReader(inner)
	header, _ := buffered.Peek(2)
	if len(header) == 2 && isZlibHeader(header[0], header[1]) {
		if zr, err := zlib.NewReader(buffered); err == nil {
			return &layeredBody{Reader: zr, closers: []func() error{zr.Close, inner.Close}}
		}
	}
	fr := flate.NewReader(buffered)
	return &layeredBody{Reader: fr, closers: []func() error{fr.Close, inner.Close}}
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
