package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"photosearch/internal/models"
)

// Filter narrows every search query. Zero values mean "no constraint".
type Filter struct {
	CameraModel string
	LensModel   string
	HasGPS      *bool
	From        *time.Time
	To          *time.Time
	DemoOnly    bool
}

// Hit is a searchable photo: READY and with a thumbnail. Distance is set
// only when the hit came from a vector query.
type Hit struct {
	ID           uuid.UUID
	Caption      *string
	Tags         []string
	CreatedAt    time.Time
	ThumbnailKey string
	ThumbWidth   int
	ThumbHeight  int
	Distance     *float64
}

const hitColumns = `p.id, p.caption, p.tags, p.created_at, t.storage_key, t.width, t.height`

const hitJoins = `
	FROM photos p
	JOIN assets t ON t.photo_id = p.id AND t.type = 'THUMBNAIL'`

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (f Filter) where(args []any) ([]string, []any) {
	where := []string{"p.status = " + placeholder(len(args)+1)}
	args = append(args, string(models.StatusReady))

	if f.CameraModel != "" {
		where, args = append(where, "LOWER(p.camera_model) = LOWER("+placeholder(len(args)+1)+")"), append(args, f.CameraModel)
	}
	if f.LensModel != "" {
		where, args = append(where, "LOWER(p.lens_model) = LOWER("+placeholder(len(args)+1)+")"), append(args, f.LensModel)
	}
	if f.HasGPS != nil {
		if *f.HasGPS {
			where = append(where, "(p.gps_lat IS NOT NULL AND p.gps_lon IS NOT NULL)")
		} else {
			where = append(where, "(p.gps_lat IS NULL OR p.gps_lon IS NULL)")
		}
	}
	if f.From != nil {
		where, args = append(where, "p.captured_at >= "+placeholder(len(args)+1)), append(args, *f.From)
	}
	if f.To != nil {
		where, args = append(where, "p.captured_at <= "+placeholder(len(args)+1)), append(args, *f.To)
	}
	if f.DemoOnly {
		where = append(where, "p.demo")
	}
	return where, args
}

// SemanticCandidates ranks photos by their minimum cosine distance to any
// of the given query vectors, nearest first.
func (s *Store) SemanticCandidates(ctx context.Context, vectors [][]float32, f Filter, limit int) ([]Hit, error) {
	if len(vectors) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(vectors)+8)
	dists := make([]string, 0, len(vectors))
	for _, v := range vectors {
		args = append(args, pgvector.NewVector(v))
		dists = append(dists, "e.vector <=> "+placeholder(len(args)))
	}
	where, args := f.where(args)
	args = append(args, limit)

	query := `
		SELECT ` + hitColumns + `, LEAST(` + strings.Join(dists, ", ") + `) AS distance` +
		hitJoins + `
		JOIN embeddings e ON e.photo_id = p.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY distance ASC, p.created_at DESC
		LIMIT ` + placeholder(len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query semantic candidates")
	}
	return collectHits(rows, true)
}

// LexicalCandidates returns photos whose caption contains the raw query or
// any token, or whose tags overlap the tokens. Rows are ranked by the same
// point scheme the search engine scores with (phrase in caption 4, any tag
// equal to a token 3, one per token found in caption or tags), newest first
// among equals, so the limit keeps the strongest matches.
func (s *Store) LexicalCandidates(ctx context.Context, raw string, tokens []string, f Filter, limit int) ([]Hit, error) {
	if raw == "" && len(tokens) == 0 {
		return nil, nil
	}

	var phrase *string
	patterns := make([]string, 0, len(tokens)+1)
	if raw != "" {
		pat := "%" + escapeLike(raw) + "%"
		phrase = &pat
		patterns = append(patterns, pat)
	}
	tokenPatterns := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenPatterns = append(tokenPatterns, "%"+escapeLike(t)+"%")
	}
	patterns = append(patterns, tokenPatterns...)
	if tokens == nil {
		tokens = []string{}
	}

	args := []any{patterns, tokens, phrase, tokenPatterns}
	where, args := f.where(args)
	args = append(args, limit)

	query := `
		SELECT ` + hitColumns + hitJoins + `
		WHERE ` + strings.Join(where, " AND ") + `
			AND (p.caption ILIKE ANY($1) OR p.tags && $2::text[])
		ORDER BY
			CASE WHEN p.caption ILIKE $3::text THEN 4 ELSE 0 END
			+ CASE WHEN p.tags && $2::text[] THEN 3 ELSE 0 END
			+ (SELECT COUNT(*) FROM unnest($2::text[], $4::text[]) AS t(tok, pat)
				WHERE t.tok = ANY(p.tags) OR p.caption ILIKE t.pat) DESC,
			p.created_at DESC
		LIMIT ` + placeholder(len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query lexical candidates")
	}
	return collectHits(rows, false)
}

// SimilarByPhoto returns the nearest READY photos to the stored embedding of
// id, never including id itself. ErrNotFound means id has no embedding.
func (s *Store) SimilarByPhoto(ctx context.Context, id uuid.UUID, limit int) ([]Hit, error) {
	var vec pgvector.Vector
	err := s.db.QueryRow(ctx, `SELECT vector FROM embeddings WHERE photo_id = $1`, id).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load source embedding")
	}
	return s.SimilarByVector(ctx, vec.Slice(), id, limit)
}

// SimilarByVector is a raw kNN over READY photos with a thumbnail. Pass
// uuid.Nil as exclude to keep every photo.
func (s *Store) SimilarByVector(ctx context.Context, vector []float32, exclude uuid.UUID, limit int) ([]Hit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+hitColumns+`, e.vector <=> $1 AS distance`+hitJoins+`
		JOIN embeddings e ON e.photo_id = p.id
		WHERE p.status = $2 AND p.id <> $3
		ORDER BY e.vector <=> $1
		LIMIT $4
	`, pgvector.NewVector(vector), string(models.StatusReady), exclude, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query similar photos")
	}
	return collectHits(rows, true)
}

func collectHits(rows pgx.Rows, withDistance bool) ([]Hit, error) {
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		dest := []any{&h.ID, &h.Caption, &h.Tags, &h.CreatedAt, &h.ThumbnailKey, &h.ThumbWidth, &h.ThumbHeight}
		var d float64
		if withDistance {
			dest = append(dest, &d)
		}
		if err := row.Scan(dest...); err != nil {
			return h, err
		}
		if withDistance {
			h.Distance = &d
		}
		return h, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan hits")
	}
	return hits, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
