package hls

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptsBrotli reports whether Accept-Encoding lists "br" with a non-zero q-value.
func acceptsBrotli(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept-Encoding") {
		for _, part := range strings.Split(v, ",") {
			coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if !strings.EqualFold(strings.TrimSpace(coding), "br") {
				continue
			}
			params = strings.TrimSpace(params)
			if q, ok := strings.CutPrefix(params, "q="); ok {
				if f, err := strconv.ParseFloat(q, 64); err == nil && f == 0 {
					return false
				}
			}
			return true
		}
	}
	return false
}

// brotliResponseWriter compresses the body of a 200 response. Other statuses
// (304, 412, 416) pass through untouched. A bodiless writer only rewrites the
// headers, so HEAD reports the same representation GET would send.
type brotliResponseWriter struct {
	http.ResponseWriter
	bw          *brotli.Writer
	bodiless    bool
	wroteHeader bool
}

func newBrotliResponseWriter(w http.ResponseWriter, bodiless bool) *brotliResponseWriter {
	return &brotliResponseWriter{ResponseWriter: w, bodiless: bodiless}
}

func (b *brotliResponseWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	if code == http.StatusOK {
		h := b.Header()
		h.Del("Content-Length")
		h.Set("Content-Encoding", "br")
		if !b.bodiless {
			b.bw = brotli.NewWriterLevel(b.ResponseWriter, brotli.DefaultCompression)
		}
	}
	b.ResponseWriter.WriteHeader(code)
}

func (b *brotliResponseWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	if b.bw != nil {
		return b.bw.Write(p)
	}
	return b.ResponseWriter.Write(p)
}

// Close flushes the brotli stream. It must be called once the response is complete.
func (b *brotliResponseWriter) Close() error {
	if b.bw == nil {
		return nil
	}
	return b.bw.Close()
}

func (b *brotliResponseWriter) Unwrap() http.ResponseWriter { return b.ResponseWriter }
