package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"photosearch/internal/models"
)

// newTestStore connects to POSTGRES_TEST_DSN when set, otherwise starts a
// pgvector container. Skipped unless one of the two is requested.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		if os.Getenv("PHOTOSEARCH_PG_TESTS") != "1" {
			t.Skip("set PHOTOSEARCH_PG_TESTS=1 or POSTGRES_TEST_DSN to run postgres tests")
		}
		pg, err := postgres.Run(ctx,
			"pgvector/pgvector:pg16",
			postgres.WithDatabase("photosearch_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := pg.Terminate(context.Background()); err != nil {
				t.Logf("terminate postgres container: %v", err)
			}
		})
		dsn, err = pg.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := New(pool)
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE photos CASCADE`)
	require.NoError(t, err)
	return s
}

func unitVector(hot int) []float32 {
	v := make([]float32, models.EmbeddingDim)
	v[hot] = 1
	return v
}

func readyPhoto(t *testing.T, s *Store, hot int, withThumb bool) uuid.UUID {
	t.Helper()
	return readyPhotoWith(t, s, hot, withThumb, "photo of beach", []string{"beach"})
}

func readyPhotoWith(t *testing.T, s *Store, hot int, withThumb bool, caption string, tags []string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, s.CreatePhoto(ctx, &models.Photo{ID: id, OriginalKey: models.OriginalKey(id, ".jpg"), Mime: "image/jpeg"}))
	claimed, err := s.ClaimForProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.UpsertEmbedding(ctx, id, "test", unitVector(hot)))

	var assets []models.Asset
	if withThumb {
		assets = append(assets, models.Asset{PhotoID: id, Type: models.AssetThumbnail, StorageKey: models.ThumbnailKey(id), Width: 512, Height: 384})
	}
	assets = append(assets, models.Asset{PhotoID: id, Type: models.AssetPreview, StorageKey: models.PreviewKey(id), Width: 2048, Height: 1536})
	require.NoError(t, s.MarkReady(ctx, id, models.Metadata{}, &caption, tags, assets))
	return id
}

func TestStoreLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := readyPhoto(t, s, 0, true)

	p, err := s.GetPhoto(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, p.Status)
	assert.Equal(t, []string{"beach"}, p.Tags)

	// re-running the upserts leaves one asset per type and one embedding
	require.NoError(t, s.UpsertEmbedding(ctx, id, "test", unitVector(1)))
	caption := "photo of beach"
	require.NoError(t, s.MarkReady(ctx, id, models.Metadata{}, &caption, []string{"beach"}, []models.Asset{
		{PhotoID: id, Type: models.AssetThumbnail, StorageKey: models.ThumbnailKey(id), Width: 500, Height: 300},
	}))
	assets, err := s.ListAssets(ctx, id)
	require.NoError(t, err)
	assert.Len(t, assets, 2)

	var n int
	require.NoError(t, s.db.QueryRow(ctx, `SELECT COUNT(*) FROM embeddings WHERE photo_id = $1`, id).Scan(&n))
	assert.Equal(t, 1, n)

	// READY is not claimable; requeue first
	claimed, err := s.ClaimForProcessing(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	ok, err := s.Requeue(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err = s.ClaimForProcessing(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, s.MarkError(ctx, id, strings.Repeat("x", 5000)))
	p, err = s.GetPhoto(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, p.Status)
	assert.Len(t, *p.Error, models.MaxErrorLength)

	keys, err := s.DeletePhoto(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{models.OriginalKey(id, ".jpg"), models.ThumbnailKey(id), models.PreviewKey(id)}, keys)

	_, err = s.GetPhoto(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assets, err = s.ListAssets(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestClaimMissingPhoto(t *testing.T) {
	s := newTestStore(t)
	claimed, err := s.ClaimForProcessing(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestSimilarExcludesSourceAndRequiresThumbnail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := readyPhoto(t, s, 0, true)
	near := readyPhoto(t, s, 0, true)
	noThumb := readyPhoto(t, s, 0, false)
	far := readyPhoto(t, s, 5, true)

	hits, err := s.SimilarByPhoto(ctx, src, 10)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.Equal(t, []uuid.UUID{near, far}, ids)
	assert.NotContains(t, ids, noThumb)
	assert.InDelta(t, 0, *hits[0].Distance, 1e-6)
	assert.InDelta(t, 1, *hits[1].Distance, 1e-6)

	_, err = s.SimilarByPhoto(ctx, uuid.New(), 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSemanticAndLexicalCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := readyPhoto(t, s, 0, true)
	b := readyPhoto(t, s, 3, true)

	hits, err := s.SemanticCandidates(ctx, [][]float32{unitVector(9), unitVector(3)}, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, b, hits[0].ID)
	assert.InDelta(t, 0, *hits[0].Distance, 1e-6)
	assert.Equal(t, a, hits[1].ID)

	lex, err := s.LexicalCandidates(ctx, "beach", []string{"beach"}, Filter{}, 10)
	require.NoError(t, err)
	assert.Len(t, lex, 2)
	assert.Nil(t, lex[0].Distance)

	yes := true
	lex, err = s.LexicalCandidates(ctx, "beach", []string{"beach"}, Filter{HasGPS: &yes}, 10)
	require.NoError(t, err)
	assert.Empty(t, lex)
}

func TestGalleryPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var created []uuid.UUID
	for i := 0; i < 5; i++ {
		created = append(created, readyPhoto(t, s, i, true))
	}

	var seen []uuid.UUID
	var after *Cursor
	for {
		page, next, err := s.ListGallery(ctx, after, 2, false)
		require.NoError(t, err)
		for _, it := range page {
			seen = append(seen, it.ID)
		}
		if next == nil {
			break
		}
		after, err = DecodeCursor(next.Encode())
		require.NoError(t, err)
	}

	assert.Len(t, seen, 5)
	assert.ElementsMatch(t, created, seen)
}

func TestListQueuedSkipsEmptySlots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	uploaded := uuid.New()
	require.NoError(t, s.CreatePhoto(ctx, &models.Photo{ID: uploaded, OriginalKey: models.OriginalKey(uploaded, ".jpg"), Mime: "image/jpeg", Size: 1024}))
	slot := uuid.New()
	require.NoError(t, s.CreatePhoto(ctx, &models.Photo{ID: slot, OriginalKey: models.OriginalKey(slot, ".png"), Mime: "image/png"}))
	readyPhoto(t, s, 0, true)

	ids, err := s.ListQueued(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{uploaded}, ids)

	require.NoError(t, s.MarkUploaded(ctx, slot, 2048, "image/png"))
	ids, err = s.ListQueued(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{uploaded, slot}, ids)
}

func TestLexicalCandidatesRankBeforeLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	golden := readyPhotoWith(t, s, 0, true, "golden hour portrait on the beach", []string{"sunset"})
	tagged := readyPhotoWith(t, s, 1, true, "city street", []string{"golden"})
	// newer rows that only share one word with the query
	for i := 0; i < 6; i++ {
		readyPhotoWith(t, s, 2, true, "an hour before the train", []string{"station"})
	}

	hits, err := s.LexicalCandidates(ctx, "golden hour", []string{"golden", "hour"}, Filter{}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, golden, hits[0].ID)
	assert.Equal(t, tagged, hits[1].ID)
}

func TestLexicalCandidatesPhraseOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	match := readyPhotoWith(t, s, 0, true, "plan a b c for the weekend", nil)
	readyPhotoWith(t, s, 1, true, "something else", nil)

	hits, err := s.LexicalCandidates(ctx, "a b c", nil, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, match, hits[0].ID)
}
