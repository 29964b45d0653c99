package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"photosearch/internal/blob"
)

// MediaHandler streams derivative images out of the blob store.
type MediaHandler struct {
	blobs  blob.Store
	logger *slog.Logger
}

func NewMediaHandler(blobs blob.Store) *MediaHandler {
	return &MediaHandler{blobs: blobs, logger: slog.Default().With("component", "media")}
}

func (h *MediaHandler) Serve(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if !strings.HasPrefix(key, "derivatives/") || strings.Contains(key, "..") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, info, err := h.blobs.Open(r.Context(), key)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to open object", "key", key, "error", err)
		writeError(w, http.StatusBadGateway, "failed to load media")
		return
	}
	defer body.Close()

	ct := info.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	w.Header().Set("Content-Type", ct)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	// derivative keys are rewritten in place on reprocessing
	w.Header().Set("Cache-Control", "public, max-age=300")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("media copy interrupted", "key", key, "error", err)
	}
}
