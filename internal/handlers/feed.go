package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"photosearch/internal/blob"
	"photosearch/internal/models"
	"photosearch/internal/store"
)

type FeedItem struct {
	ID           uuid.UUID          `json:"id"`
	Status       models.PhotoStatus `json:"status"`
	Caption      *string            `json:"caption,omitempty"`
	Tags         []string           `json:"tags"`
	Demo         bool               `json:"demo"`
	ThumbnailURL string             `json:"thumbnail_url,omitempty"`
	ThumbWidth   *int               `json:"thumb_width,omitempty"`
	ThumbHeight  *int               `json:"thumb_height,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// FeedHandler serves the gallery and per-photo administration.
type FeedHandler struct {
	store  PhotoStore
	blobs  blob.Store
	queue  JobQueue
	logger *slog.Logger
}

func NewFeedHandler(st PhotoStore, blobs blob.Store, q JobQueue) *FeedHandler {
	return &FeedHandler{
		store:  st,
		blobs:  blobs,
		queue:  q,
		logger: slog.Default().With("component", "feed"),
	}
}

func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	var after *store.Cursor
	if c := r.URL.Query().Get("cursor"); c != "" {
		cur, err := store.DecodeCursor(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		after = cur
	}
	limit := queryLimit(r, 24, 100)
	demoOnly := r.URL.Query().Get("demo") == "true"

	rows, next, err := h.store.ListGallery(r.Context(), after, limit, demoOnly)
	if err != nil {
		h.logger.Error("feed query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	items := make([]FeedItem, 0, len(rows))
	for _, row := range rows {
		it := FeedItem{
			ID:          row.ID,
			Status:      row.Status,
			Caption:     row.Caption,
			Tags:        row.Tags,
			Demo:        row.Demo,
			ThumbWidth:  row.ThumbWidth,
			ThumbHeight: row.ThumbHeight,
			CreatedAt:   row.CreatedAt,
		}
		if row.ThumbnailKey != nil {
			it.ThumbnailURL = mediaURL(*row.ThumbnailKey)
		}
		items = append(items, it)
	}

	var nextCursor string
	if next != nil {
		nextCursor = next.Encode()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": nextCursor,
	})
}

type assetView struct {
	Type   models.AssetType `json:"type"`
	URL    string           `json:"url"`
	Width  int              `json:"width"`
	Height int              `json:"height"`
}

func (h *FeedHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	photo, ok := h.load(w, r, id)
	if !ok {
		return
	}

	assets, err := h.store.ListAssets(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list assets", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load photo")
		return
	}
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView{Type: a.Type, URL: mediaURL(a.StorageKey), Width: a.Width, Height: a.Height})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"photo":  photo,
		"assets": views,
	})
}

func (h *FeedHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	photo, ok := h.load(w, r, id)
	if !ok {
		return
	}
	body := map[string]any{
		"id":         photo.ID,
		"status":     photo.Status,
		"error":      photo.Error,
		"updated_at": photo.UpdatedAt,
	}
	if photo.Status != models.StatusReady {
		msg, err := h.queue.LastError(r.Context(), id)
		if err != nil {
			h.logger.Warn("failed to read last job error", "photo_id", id, "error", err)
		} else if msg != "" {
			body["last_job_error"] = msg
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Delete removes the photo row and then, best-effort, its stored objects.
func (h *FeedHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	keys, err := h.store.DeletePhoto(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "photo not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete photo", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete photo")
		return
	}

	for _, key := range keys {
		if err := h.blobs.Delete(r.Context(), key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			h.logger.Warn("failed to delete object", "photo_id", id, "key", key, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FeedHandler) SetDemo(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	var body struct {
		Demo *bool `json:"demo"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&body); err != nil || body.Demo == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"demo\": true|false}")
		return
	}

	err := h.store.SetDemo(r.Context(), id, *body.Demo)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "photo not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to set demo flag", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update photo")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "demo": *body.Demo})
}

// Retry moves a READY or ERROR photo back to QUEUED and enqueues it.
func (h *FeedHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	requeued, err := h.store.Requeue(ctx, id)
	if err != nil {
		h.logger.Error("failed to requeue photo", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to requeue photo")
		return
	}
	if !requeued {
		photo, ok := h.load(w, r, id)
		if !ok {
			return
		}
		writeError(w, http.StatusConflict, "photo is "+string(photo.Status))
		return
	}

	if _, err := h.queue.Enqueue(ctx, id); err != nil {
		h.logger.Error("failed to enqueue photo", "photo_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue processing")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": models.StatusQueued})
}

func (h *FeedHandler) load(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*models.Photo, bool) {
	photo, err := h.store.GetPhoto(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "photo not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load photo", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load photo")
		return nil, false
	}
	return photo, true
}
