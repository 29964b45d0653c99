package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"photosearch/internal/models"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a keyset position in the gallery ordering (created_at desc, id desc).
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"id"`
}

func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(s string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.ID == uuid.Nil || c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

type GalleryItem struct {
	ID           uuid.UUID          `json:"id"`
	Status       models.PhotoStatus `json:"status"`
	Caption      *string            `json:"caption,omitempty"`
	Tags         []string           `json:"tags"`
	Demo         bool               `json:"demo"`
	CreatedAt    time.Time          `json:"created_at"`
	ThumbnailKey *string            `json:"-"`
	ThumbWidth   *int               `json:"thumb_width,omitempty"`
	ThumbHeight  *int               `json:"thumb_height,omitempty"`
}

// ListGallery returns one page of photos newest first, plus the cursor for
// the next page when more rows exist.
func (s *Store) ListGallery(ctx context.Context, after *Cursor, limit int, demoOnly bool) ([]GalleryItem, *Cursor, error) {
	where, args := []string{"TRUE"}, []any{}
	if after != nil {
		where = append(where, "(p.created_at, p.id) < ("+placeholder(len(args)+1)+", "+placeholder(len(args)+2)+")")
		args = append(args, after.CreatedAt, after.ID)
	}
	if demoOnly {
		where = append(where, "p.demo")
	}
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.status, p.caption, p.tags, p.demo, p.created_at,
		       t.storage_key, t.width, t.height
		FROM photos p
		LEFT JOIN assets t ON t.photo_id = p.id AND t.type = 'THUMBNAIL'
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT `+placeholder(len(args)), args...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to list gallery")
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (GalleryItem, error) {
		var it GalleryItem
		err := row.Scan(&it.ID, &it.Status, &it.Caption, &it.Tags, &it.Demo, &it.CreatedAt,
			&it.ThumbnailKey, &it.ThumbWidth, &it.ThumbHeight)
		return it, err
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to scan gallery")
	}

	if len(items) <= limit {
		return items, nil, nil
	}
	items = items[:limit]
	last := items[len(items)-1]
	return items, &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}
