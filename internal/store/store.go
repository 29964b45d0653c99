package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"photosearch/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS photos (
			id            UUID PRIMARY KEY,
			original_key  TEXT NOT NULL UNIQUE,
			mime          TEXT NOT NULL DEFAULT '',
			size          BIGINT NOT NULL DEFAULT 0,
			width         INT,
			height        INT,
			captured_at   TIMESTAMPTZ,
			camera_make   TEXT,
			camera_model  TEXT,
			lens_model    TEXT,
			iso           INT,
			f_number      DOUBLE PRECISION,
			shutter       TEXT,
			focal_length  DOUBLE PRECISION,
			gps_lat       DOUBLE PRECISION,
			gps_lon       DOUBLE PRECISION,
			caption       TEXT,
			tags          TEXT[] NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL DEFAULT 'QUEUED'
				CHECK (status IN ('QUEUED', 'PROCESSING', 'READY', 'ERROR')),
			error         TEXT,
			demo          BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS assets (
			photo_id     UUID NOT NULL REFERENCES photos(id) ON DELETE CASCADE,
			type         TEXT NOT NULL CHECK (type IN ('THUMBNAIL', 'PREVIEW')),
			storage_key  TEXT NOT NULL,
			width        INT NOT NULL,
			height       INT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (photo_id, type)
		);

		CREATE TABLE IF NOT EXISTS embeddings (
			photo_id    UUID PRIMARY KEY REFERENCES photos(id) ON DELETE CASCADE,
			model       TEXT NOT NULL,
			vector      vector(512) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS embeddings_vector_idx
			ON embeddings USING hnsw (vector vector_cosine_ops);
		CREATE INDEX IF NOT EXISTS photos_gallery_idx ON photos (created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS photos_tags_idx ON photos USING gin (tags);
		CREATE INDEX IF NOT EXISTS photos_status_idx ON photos (status);
	`)
	return errors.Wrap(err, "failed to migrate schema")
}

const photoColumns = `
	p.id, p.original_key, p.mime, p.size, p.width, p.height, p.captured_at,
	p.camera_make, p.camera_model, p.lens_model, p.iso, p.f_number, p.shutter,
	p.focal_length, p.gps_lat, p.gps_lon, p.caption, p.tags, p.status, p.error,
	p.demo, p.created_at, p.updated_at`

func scanPhoto(row pgx.Row) (*models.Photo, error) {
	var p models.Photo
	err := row.Scan(
		&p.ID, &p.OriginalKey, &p.Mime, &p.Size, &p.Width, &p.Height, &p.CapturedAt,
		&p.CameraMake, &p.CameraModel, &p.LensModel, &p.ISO, &p.FNumber, &p.Shutter,
		&p.FocalLength, &p.Latitude, &p.Longitude, &p.Caption, &p.Tags, &p.Status, &p.Error,
		&p.Demo, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePhoto inserts a QUEUED row, assigning an ID when p.ID is zero.
func (s *Store) CreatePhoto(ctx context.Context, p *models.Photo) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	p.Status = models.StatusQueued

	err := s.db.QueryRow(ctx, `
		INSERT INTO photos (id, original_key, mime, size, tags, status, demo)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, p.ID, p.OriginalKey, p.Mime, p.Size, p.Tags, p.Status, p.Demo,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return errors.Wrap(err, "failed to create photo")
}

func (s *Store) GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error) {
	row := s.db.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos p WHERE p.id = $1`, id)
	p, err := scanPhoto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get photo")
	}
	return p, nil
}

func (s *Store) ListAssets(ctx context.Context, id uuid.UUID) ([]models.Asset, error) {
	rows, err := s.db.Query(ctx, `
		SELECT photo_id, type, storage_key, width, height, created_at
		FROM assets WHERE photo_id = $1 ORDER BY type
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list assets")
	}
	assets, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Asset])
	return assets, errors.Wrap(err, "failed to scan assets")
}

// ClaimForProcessing moves a photo to PROCESSING and clears its error.
// It reports false when the photo does not exist or is not claimable.
func (s *Store) ClaimForProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE photos
		SET status = $2, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, models.StatusProcessing, statusStrings(models.Claimable()))
	if err != nil {
		return false, errors.Wrap(err, "failed to claim photo")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReady writes metadata, caption, tags and READY in a single update and
// upserts the derivative rows in the same transaction.
func (s *Store) MarkReady(ctx context.Context, id uuid.UUID, meta models.Metadata, caption *string, tags []string, assets []models.Asset) error {
	if tags == nil {
		tags = []string{}
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE photos SET
				width = $2, height = $3, captured_at = $4,
				camera_make = $5, camera_model = $6, lens_model = $7,
				iso = $8, f_number = $9, shutter = $10, focal_length = $11,
				gps_lat = $12, gps_lon = $13,
				caption = $14, tags = $15,
				status = $16, error = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, meta.Width, meta.Height, meta.CapturedAt,
			meta.CameraMake, meta.CameraModel, meta.LensModel,
			meta.ISO, meta.FNumber, meta.Shutter, meta.FocalLength,
			meta.Latitude, meta.Longitude,
			caption, tags, models.StatusReady)
		if err != nil {
			return errors.Wrap(err, "failed to mark photo ready")
		}
		for _, a := range assets {
			if err := upsertAsset(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) MarkError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE photos SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusError, models.TruncateError(msg))
	return errors.Wrap(err, "failed to mark photo error")
}

// Requeue moves a READY or ERROR photo back to QUEUED. It reports false
// when the photo is missing or in any other state.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE photos SET status = $2, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, models.StatusQueued, statusStrings([]models.PhotoStatus{models.StatusReady, models.StatusError}))
	if err != nil {
		return false, errors.Wrap(err, "failed to requeue photo")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkUploaded records the size and type of an object uploaded through a
// presigned slot.
func (s *Store) MarkUploaded(ctx context.Context, id uuid.UUID, size int64, mime string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE photos SET size = $2, mime = $3, updated_at = NOW() WHERE id = $1
	`, id, size, mime)
	if err != nil {
		return errors.Wrap(err, "failed to record upload")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertAsset(ctx context.Context, db execer, a models.Asset) error {
	_, err := db.Exec(ctx, `
		INSERT INTO assets (photo_id, type, storage_key, width, height)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (photo_id, type)
		DO UPDATE SET
			storage_key = EXCLUDED.storage_key,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			created_at = NOW()
	`, a.PhotoID, a.Type, a.StorageKey, a.Width, a.Height)
	return errors.Wrap(err, "failed to upsert asset")
}

func (s *Store) UpsertEmbedding(ctx context.Context, id uuid.UUID, model string, vector []float32) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO embeddings (photo_id, model, vector)
		VALUES ($1, $2, $3)
		ON CONFLICT (photo_id)
		DO UPDATE SET
			model = EXCLUDED.model,
			vector = EXCLUDED.vector,
			created_at = NOW()
	`, id, model, pgvector.NewVector(vector))
	return errors.Wrap(err, "failed to upsert embedding")
}

// DeletePhoto removes the photo row (cascading to assets and embedding)
// and returns every storage key that belonged to it.
func (s *Store) DeletePhoto(ctx context.Context, id uuid.UUID) ([]string, error) {
	var keys []string
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT storage_key FROM assets WHERE photo_id = $1`, id)
		if err != nil {
			return errors.Wrap(err, "failed to list asset keys")
		}
		assetKeys, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return errors.Wrap(err, "failed to scan asset keys")
		}

		var original string
		err = tx.QueryRow(ctx, `DELETE FROM photos WHERE id = $1 RETURNING original_key`, id).Scan(&original)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to delete photo")
		}
		keys = append([]string{original}, assetKeys...)
		return nil
	})
	return keys, err
}

func (s *Store) SetDemo(ctx context.Context, id uuid.UUID, demo bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE photos SET demo = $2, updated_at = NOW() WHERE id = $1`, id, demo)
	if err != nil {
		return errors.Wrap(err, "failed to set demo flag")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListQueued returns uploaded photos left QUEUED, oldest first. Used to
// re-enqueue work after a restart. Slots whose original never arrived have
// size 0 and are skipped.
func (s *Store) ListQueued(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM photos
		WHERE status = $1 AND size > 0 AND updated_at < $2
		ORDER BY created_at
	`, models.StatusQueued, olderThan)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queued photos")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	return ids, errors.Wrap(err, "failed to scan queued photos")
}

type Facet struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type Facets struct {
	Cameras []Facet `json:"cameras"`
	Lenses  []Facet `json:"lenses"`
}

func (s *Store) Facets(ctx context.Context) (*Facets, error) {
	cameras, err := s.facet(ctx, "camera_model")
	if err != nil {
		return nil, err
	}
	lenses, err := s.facet(ctx, "lens_model")
	if err != nil {
		return nil, err
	}
	return &Facets{Cameras: cameras, Lenses: lenses}, nil
}

func (s *Store) facet(ctx context.Context, column string) ([]Facet, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+column+`, COUNT(*)
		FROM photos
		WHERE status = $1 AND `+column+` IS NOT NULL AND `+column+` <> ''
		GROUP BY `+column+`
		ORDER BY COUNT(*) DESC, `+column+`
	`, models.StatusReady)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s facet", column)
	}
	facets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Facet, error) {
		var f Facet
		err := row.Scan(&f.Value, &f.Count)
		return f, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s facet", column)
	}
	return facets, nil
}

func statusStrings(in []models.PhotoStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
