package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"photosearch/internal/runner"
	"photosearch/internal/search"
	"photosearch/internal/store"
)

type SearchHandler struct {
	store  PhotoStore
	engine Searcher
	logger *slog.Logger
}

func NewSearchHandler(st PhotoStore, engine Searcher) *SearchHandler {
	return &SearchHandler{
		store:  st,
		engine: engine,
		logger: slog.Default().With("component", "search_api"),
	}
}

type searchItem struct {
	search.Item
	ThumbnailURL string `json:"thumbnail_url"`
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sortMode := q.Get("sort")
	if sortMode == "" {
		sortMode = search.SortRelevance
	}
	if sortMode != search.SortRelevance && sortMode != search.SortNewest {
		writeError(w, http.StatusBadRequest, "sort must be relevance or newest")
		return
	}

	res, err := h.engine.Search(r.Context(), search.Request{
		Query:  q.Get("q"),
		Filter: filter,
		Limit:  queryLimit(r, 24, 100),
		Sort:   sortMode,
	})
	if err != nil {
		h.logger.Error("search failed", "error", err)
		writeError(w, http.StatusBadGateway, "search failed")
		return
	}

	items := make([]searchItem, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, searchItem{Item: it, ThumbnailURL: mediaURL(it.ThumbnailKey)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"reason":      res.Reason,
		"diagnostics": res.Diagnostics,
	})
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func parseFilter(q map[string][]string) (store.Filter, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	f := store.Filter{
		CameraModel: get("camera"),
		LensModel:   get("lens"),
		DemoOnly:    get("demo") == "true",
	}
	if s := get("has_gps"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return f, errBadRequest("has_gps must be true or false")
		}
		f.HasGPS = &v
	}
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		s := get(key)
		if s == "" {
			continue
		}
		t, dateOnly, err := parseDate(s)
		if err != nil {
			return f, errBadRequest(key + " must be RFC 3339 or YYYY-MM-DD")
		}
		if dateOnly && key == "to" {
			// a bare date includes the whole day
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		*dst = &t
	}
	return f, nil
}

func parseDate(s string) (t time.Time, dateOnly bool, err error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err = time.Parse("2006-01-02", s)
	return t, true, err
}

type similarItem struct {
	ID           uuid.UUID `json:"id"`
	Caption      *string   `json:"caption,omitempty"`
	Tags         []string  `json:"tags"`
	Distance     *float64  `json:"distance,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url"`
	ThumbWidth   int       `json:"thumb_width"`
	ThumbHeight  int       `json:"thumb_height"`
	CreatedAt    time.Time `json:"created_at"`
}

func similarItems(hits []store.Hit) []similarItem {
	out := make([]similarItem, 0, len(hits))
	for _, h := range hits {
		out = append(out, similarItem{
			ID:           h.ID,
			Caption:      h.Caption,
			Tags:         h.Tags,
			Distance:     h.Distance,
			ThumbnailURL: mediaURL(h.ThumbnailKey),
			ThumbWidth:   h.ThumbWidth,
			ThumbHeight:  h.ThumbHeight,
			CreatedAt:    h.CreatedAt,
		})
	}
	return out
}

func (h *SearchHandler) Similar(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	hits, err := h.store.SimilarByPhoto(r.Context(), id, queryLimit(r, 12, 100))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "photo has no embedding")
		return
	}
	if err != nil {
		h.logger.Error("similar query failed", "photo_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": similarItems(hits)})
}

func (h *SearchHandler) SimilarByVector(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Vector  []float64 `json:"vector"`
		Limit   int       `json:"limit"`
		Exclude uuid.UUID `json:"exclude"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vec, err := runner.ValidateVector(body.Vector)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := body.Limit
	if limit <= 0 {
		limit = 12
	}
	if limit > 100 {
		limit = 100
	}

	hits, err := h.store.SimilarByVector(r.Context(), vec, body.Exclude, limit)
	if err != nil {
		h.logger.Error("similar query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": similarItems(hits)})
}

func (h *SearchHandler) Facets(w http.ResponseWriter, r *http.Request) {
	facets, err := h.store.Facets(r.Context())
	if err != nil {
		h.logger.Error("facets query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, facets)
}
