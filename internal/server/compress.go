package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// acceptsGzip reports whether the Accept-Encoding header lists gzip
// with a non-zero quality.
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		enc, q, hasQ := strings.Cut(part, ";")
		if strings.TrimSpace(enc) != "gzip" {
			continue
		}
		if !hasQ {
			return true
		}
		q = strings.TrimSpace(q)
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(q, "q=")), 64)
		return err != nil || v > 0
	}
	return false
}

// writeMaybeCompressed writes body to w, gzip-encoded when the client
// accepts it. Uncompressed responses carry a Content-Length.
func writeMaybeCompressed(w http.ResponseWriter, r *http.Request, body []byte) {
	if !acceptsGzip(r.Header.Get("Accept-Encoding")) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(w)
	_, _ = gz.Write(body)
	_ = gz.Close()
	gz.Reset(io.Discard) // release the response writer reference
	gzipWriterPool.Put(gz)
}
