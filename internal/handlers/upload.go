package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"photosearch/internal/blob"
	"photosearch/internal/models"
	"photosearch/internal/store"
)

const (
	maxUploadSize = 50 * 1024 * 1024 // 50 MB for images, this should be enough ...
)

type UploadHandler struct {
	store      PhotoStore
	blobs      blob.Store
	queue      Enqueuer
	presignTTL time.Duration
	logger     *slog.Logger
}

func NewUploadHandler(st PhotoStore, blobs blob.Store, q Enqueuer, presignTTL time.Duration) *UploadHandler {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &UploadHandler{
		store:      st,
		blobs:      blobs,
		queue:      q,
		presignTTL: presignTTL,
		logger:     slog.Default().With("component", "uploads"),
	}
}

type slotRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Demo        bool   `json:"demo"`
}

// RequestSlot creates a QUEUED photo and returns a presigned PUT URL for
// its original.
func (h *UploadHandler) RequestSlot(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mime := req.ContentType
	if mime == "" {
		mime = detectMime(req.Filename)
	}
	if !isAllowedMime(mime) {
		writeError(w, http.StatusBadRequest, "unsupported image format")
		return
	}

	id := uuid.New()
	photo := &models.Photo{
		ID:          id,
		OriginalKey: models.OriginalKey(id, extensionFor(req.Filename, mime)),
		Mime:        mime,
		Demo:        req.Demo,
	}
	if err := h.store.CreatePhoto(r.Context(), photo); err != nil {
		h.logger.Error("failed to create photo", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create photo")
		return
	}

	url, err := h.blobs.PresignPut(r.Context(), photo.OriginalKey, mime, h.presignTTL)
	if err != nil {
		h.logger.Error("failed to presign upload", "photo_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create upload url")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         id,
		"key":        photo.OriginalKey,
		"upload_url": url,
		"expires_at": time.Now().Add(h.presignTTL).UTC(),
		"status":     photo.Status,
	})
}

// Complete confirms that the original landed in the blob store and
// enqueues processing.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	photo, err := h.store.GetPhoto(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "photo not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load photo", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load photo")
		return
	}

	info, err := h.blobs.Head(ctx, photo.OriginalKey)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusConflict, "original has not been uploaded")
		return
	}
	if err != nil {
		h.logger.Error("failed to check upload", "photo_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "failed to check upload")
		return
	}

	mime := info.ContentType
	if !isAllowedMime(mime) {
		mime = photo.Mime
	}
	if err := h.store.MarkUploaded(ctx, id, info.Size, mime); err != nil {
		h.logger.Error("failed to record upload", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record upload")
		return
	}

	if err := h.enqueue(ctx, id); err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to queue processing")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": photo.Status})
}

// Upload accepts the original as a multipart "image" field, stores it and
// enqueues processing in one request.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, fh, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image field: "+err.Error())
		return
	}
	defer file.Close()

	mime := fh.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = detectMime(fh.Filename)
	}
	if !isAllowedMime(mime) {
		writeError(w, http.StatusBadRequest, "unsupported image format")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	result, err := h.processUpload(ctx, data, fh.Filename, mime, r.FormValue("demo") == "true")
	if err != nil {
		h.logger.Error("upload failed", "filename", fh.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *UploadHandler) processUpload(ctx context.Context, data []byte, filename, mime string, demo bool) (map[string]any, error) {
	id := uuid.New()
	photo := &models.Photo{
		ID:          id,
		OriginalKey: models.OriginalKey(id, extensionFor(filename, mime)),
		Mime:        mime,
		Size:        int64(len(data)),
		Demo:        demo,
	}

	if err := h.blobs.Put(ctx, photo.OriginalKey, data, mime); err != nil {
		return nil, fmt.Errorf("store original: %w", err)
	}
	if err := h.store.CreatePhoto(ctx, photo); err != nil {
		if derr := h.blobs.Delete(ctx, photo.OriginalKey); derr != nil {
			h.logger.Warn("failed to remove orphaned original", "key", photo.OriginalKey, "error", derr)
		}
		return nil, fmt.Errorf("create photo: %w", err)
	}

	// the uploaded image will now be processed ...
	if err := h.enqueue(ctx, id); err != nil {
		// the row stays QUEUED and is picked up again at startup
		h.logger.Warn("photo stored but not queued", "photo_id", id)
	}

	return map[string]any{
		"id":     id,
		"key":    photo.OriginalKey,
		"size":   photo.Size,
		"status": photo.Status,
	}, nil
}

func (h *UploadHandler) enqueue(ctx context.Context, id uuid.UUID) error {
	created, err := h.queue.Enqueue(ctx, id)
	if err != nil {
		h.logger.Error("failed to enqueue photo", "photo_id", id, "error", err)
		return err
	}
	if !created {
		h.logger.Debug("photo already queued", "photo_id", id)
	}
	return nil
}

func detectMime(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func isAllowedMime(mime string) bool {
	allowed := map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/webp": true,
		"image/gif":  true,
	}
	return allowed[mime]
}

func extensionFor(filename, mime string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); detectMime(ext) != "application/octet-stream" {
		return ext
	}
	switch mime {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".jpg"
}
