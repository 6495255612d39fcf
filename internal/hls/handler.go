package hls

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"example.com/hlsserve/internal/config"
	"example.com/hlsserve/internal/logger"
	"example.com/hlsserve/internal/server"
)

// Handler serves GET/HEAD requests for <prefix>/<tail> from the base directory.
// Range requests, conditional requests and HEAD are delegated to http.ServeContent.
type Handler struct {
	resolver          *Resolver
	mime              *MimeTypeResolver
	routeBase         string
	compressPlaylists bool
	logger            *logger.Logger
}

// NewHandler builds the route handler from a defaulted HLS config.
func NewHandler(cfg *config.HLSConfig, lg *logger.Logger) (*Handler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("hls: config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("hls: logger cannot be nil")
	}

	resolver, err := NewResolver(cfg.BaseDirectory)
	if err != nil {
		return nil, err
	}
	mimeResolver, err := NewMimeTypeResolver(cfg)
	if err != nil {
		return nil, err
	}

	return &Handler{
		resolver:          resolver,
		mime:              mimeResolver,
		routeBase:         strings.TrimSuffix(cfg.RoutePrefix, "/") + "/",
		compressPlaylists: cfg.CompressPlaylists != nil && *cfg.CompressPlaylists,
		logger:            lg,
	}, nil
}

// Resolver exposes the handler's path resolver.
func (h *Handler) Resolver() *Resolver { return h.resolver }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeError(w, r, http.StatusMethodNotAllowed, "")
		return
	}

	tail, ok := strings.CutPrefix(r.URL.Path, h.routeBase)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "")
		return
	}

	h.logger.Info("HLS path requested", logger.LogFields{"tail": tail})

	rf, err := h.resolver.Resolve(tail)
	if err != nil {
		h.fail(w, r, tail, err)
		return
	}

	f, fi, err := h.resolver.Open(rf)
	if err != nil {
		h.fail(w, r, tail, err)
		return
	}
	defer f.Close()

	h.logger.Debug("Serving HLS file", logger.LogFields{
		"path": rf.ResolvedPath,
		"size": humanize.Bytes(uint64(fi.Size())),
	})
	h.serveFile(w, r, rf, f, fi)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, rf *ResolvedFile, f *os.File, fi os.FileInfo) {
	hdr := w.Header()
	hdr.Set("Content-Type", h.mime.GetMimeType(rf.ResolvedPath))
	etag := fmt.Sprintf("\"%x-%x\"", fi.ModTime().UnixNano(), fi.Size())

	if h.compressPlaylists && isPlaylist(rf.ResolvedPath) {
		hdr.Add("Vary", "Accept-Encoding")
		if r.Header.Get("Range") == "" && acceptsBrotli(r) {
			hdr.Set("ETag", strings.TrimSuffix(etag, "\"")+"-br\"")
			bw := newBrotliResponseWriter(w, r.Method == http.MethodHead)
			http.ServeContent(bw, r, fi.Name(), fi.ModTime(), f)
			if err := bw.Close(); err != nil {
				h.logger.Warn("Failed to finish compressed playlist", logger.LogFields{"path": rf.ResolvedPath, "error": err})
			}
			return
		}
	}

	hdr.Set("ETag", etag)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, tail string, err error) {
	status := StatusForError(err)
	fields := logger.LogFields{"tail": tail, "status": status, "error": err.Error()}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("Failed to open HLS file", fields)
	case status == http.StatusBadRequest || status == http.StatusForbidden:
		h.logger.Warn("Rejected HLS path", fields)
	default:
		h.logger.Info("HLS file not found", fields)
	}
	h.writeError(w, r, status, "")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	if err := server.WriteErrorResponse(w, r, status, detail); err != nil {
		h.logger.Debug("Failed to write error response", logger.LogFields{"status": status, "error": err})
	}
}
