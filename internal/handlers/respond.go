package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"photosearch/internal/models"
	"photosearch/internal/search"
	"photosearch/internal/store"
)

type PhotoStore interface {
	CreatePhoto(ctx context.Context, p *models.Photo) error
	GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error)
	ListAssets(ctx context.Context, id uuid.UUID) ([]models.Asset, error)
	MarkUploaded(ctx context.Context, id uuid.UUID, size int64, mime string) error
	Requeue(ctx context.Context, id uuid.UUID) (bool, error)
	DeletePhoto(ctx context.Context, id uuid.UUID) ([]string, error)
	SetDemo(ctx context.Context, id uuid.UUID, demo bool) error
	ListGallery(ctx context.Context, after *store.Cursor, limit int, demoOnly bool) ([]store.GalleryItem, *store.Cursor, error)
	SimilarByPhoto(ctx context.Context, id uuid.UUID, limit int) ([]store.Hit, error)
	SimilarByVector(ctx context.Context, vector []float32, exclude uuid.UUID, limit int) ([]store.Hit, error)
	Facets(ctx context.Context) (*store.Facets, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, photoID uuid.UUID) (bool, error)
}

// JobQueue also reports the error of the last failed attempt of a job that
// is still waiting for a retry.
type JobQueue interface {
	Enqueuer
	LastError(ctx context.Context, photoID uuid.UUID) (string, error)
}

type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// API groups the handlers behind the /api and /media routes.
type API struct {
	Uploads *UploadHandler
	Photos  *FeedHandler
	Search  *SearchHandler
	Media   *MediaHandler
	// Limiter, when set, guards the search and similarity endpoints.
	Limiter func(http.Handler) http.Handler
}

func (a *API) Register(r chi.Router) {
	limited := func(r chi.Router) chi.Router {
		if a.Limiter != nil {
			return r.With(a.Limiter)
		}
		return r
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/uploads", a.Uploads.RequestSlot)
		r.Post("/uploads/{id}/complete", a.Uploads.Complete)

		r.Post("/photos", a.Uploads.Upload)
		r.Get("/photos", a.Photos.Feed)
		r.Get("/photos/{id}", a.Photos.Get)
		r.Get("/photos/{id}/status", a.Photos.Status)
		r.Delete("/photos/{id}", a.Photos.Delete)
		r.Put("/photos/{id}/demo", a.Photos.SetDemo)
		r.Post("/photos/{id}/retry", a.Photos.Retry)

		limited(r).Get("/photos/{id}/similar", a.Search.Similar)
		limited(r).Post("/similar", a.Search.SimilarByVector)
		limited(r).Get("/search", a.Search.Search)
		r.Get("/facets", a.Search.Facets)
	})
	r.Get("/media/*", a.Media.Serve)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func photoID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid photo id")
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func mediaURL(key string) string {
	if key == "" {
		return ""
	}
	return "/media/" + key
}

// HealthHandler reports ok when every check passes within two seconds.
// A non-nil stats result is included under "queue"; a stats failure
// degrades the response like a failed check.
func HealthHandler(checks map[string]func(context.Context) error, stats func(context.Context) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				result[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			result[name] = "ok"
		}
		body := map[string]any{"status": "ok", "checks": result}
		if stats != nil {
			q, err := stats(ctx)
			if err != nil {
				result["queue"] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				body["queue"] = q
			}
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		writeJSON(w, status, body)
	}
}
