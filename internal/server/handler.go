// Package server provides the HTTP front-end for a container: files are
// served read-only under their canonical paths, and the container root
// lists all files.
package server

import (
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"matryoshka/internal/logging"
	"matryoshka/internal/vfs"
)

// Handler serves container files over HTTP.
//
// GET /inner/path streams the file with Content-Length set; HEAD
// returns the headers only; unknown paths yield 404 and methods other
// than GET/HEAD yield 501. GET / lists the canonical paths of all
// files, one per line.
//
// The file system instance requires exclusive access, so the handler
// serializes all requests through one mutex.
type Handler struct {
	mu     sync.Mutex
	fs     *vfs.FileSystem
	logger *slog.Logger
}

// NewHandler creates a handler serving fs. The logger may be nil.
func NewHandler(fs *vfs.FileSystem, logger *slog.Logger) *Handler {
	return &Handler{
		fs:     fs,
		logger: logging.Default(logger).With("component", "server"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := h.logger.With("request_id", requestID, "method", r.Method, "path", r.URL.Path)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		logger.Debug("method not implemented")
		http.Error(w, "not implemented", http.StatusNotImplemented)
		return
	}

	path := vfs.ParsePath(r.URL.Path)

	h.mu.Lock()
	defer h.mu.Unlock()

	if path.Empty() {
		h.serveListing(w, r, logger)
		return
	}
	h.serveFile(w, r, path, logger)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, path vfs.Path, logger *slog.Logger) {
	file, err := h.fs.Open(path)
	if err != nil {
		logger.Debug("file not found")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	size, err := h.fs.Size(file)
	if err != nil || size < 0 {
		logger.Error("file size lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ct := mime.TypeByExtension(filepath.Ext(path.String()))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))

	if r.Method == http.MethodHead || size == 0 {
		return
	}

	err = h.fs.ReadFunc(file, 0, int(size), func(chunk []byte) error {
		_, werr := w.Write(chunk)
		return werr
	})
	if err != nil {
		// Headers are out; all that is left is to cut the stream.
		logger.Error("streaming failed", "error", err)
		return
	}
	logger.Debug("served file", "bytes", size)
}

func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	paths, err := h.fs.FindAll()
	if err != nil {
		logger.Error("listing failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body := make([]byte, 0, 64*len(paths))
	for _, p := range paths {
		body = append(body, p.String()...)
		body = append(body, '\n')
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		return
	}
	writeMaybeCompressed(w, r, body)
	logger.Debug("served listing", "files", len(paths))
}
