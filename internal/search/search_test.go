package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photosearch/internal/store"
)

func TestIsLowSignal(t *testing.T) {
	tests := []struct {
		q    string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"a", true},
		{"aaaa", true},
		{"a a a", true},
		{"ok", true},
		{"dog", false},
		{"golden hour", false},
		{"x y", false},
		{"1999", false},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLowSignal(tt.q))
		})
	}
}

func TestExpand(t *testing.T) {
	assert.Equal(t, []string{
		"beach",
		"beaches",
		"a photo of beach",
		"a photo of beaches",
		"a picture of beach",
		"a picture of beaches",
		"an image showing beach",
		"an image showing beaches",
	}, Expand("Beach", 8))

	assert.Equal(t, []string{
		"golden hour",
		"a photo of golden hour",
		"a picture of golden hour",
		"an image showing golden hour",
		"golden hour scene",
	}, Expand("  golden   HOUR ", 8))

	assert.Len(t, Expand("dogs", 3), 3)
	assert.Empty(t, Expand("  ", 8))
}

func TestAlternateNumber(t *testing.T) {
	cases := map[string]string{
		"dog":     "dogs",
		"dogs":    "dog",
		"city":    "cities",
		"cities":  "city",
		"beach":   "beaches",
		"beaches": "beach",
		"glass":   "glasses",
		"boy":     "boys",
		"fox":     "foxes",
	}
	for in, want := range cases {
		assert.Equal(t, want, alternateNumber(in), in)
	}
	assert.Empty(t, alternateNumber("café"))
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"golden", "hour"}, Tokens("Golden-hour, golden!! a"))
	assert.Equal(t, []string{"f1", "car"}, Tokens("F1 car"))
	assert.Empty(t, Tokens("a b c"))
}

func strPtr(s string) *string { return &s }

func TestLexicalScore(t *testing.T) {
	caption := strPtr("Golden hour portrait on the beach")
	assert.Equal(t, 6, LexicalScore("golden hour", []string{"golden", "hour"}, caption, []string{"sunset"}))

	// tag bonus counts once, each token counts once
	assert.Equal(t, 4, LexicalScore("sunset beach", []string{"sunset", "beach"}, nil, []string{"sunset"}))
	assert.Equal(t, 5, LexicalScore("sunset beach", []string{"sunset", "beach"}, nil, []string{"sunset", "beach"}))

	assert.Zero(t, LexicalScore("mountain", []string{"mountain"}, caption, []string{"sunset"}))
}

func fp(v float64) *float64 { return &v }

func hit(d *float64, caption string, tags ...string) store.Hit {
	h := store.Hit{ID: uuid.New(), Tags: tags, CreatedAt: time.Now(), ThumbnailKey: "t", Distance: d}
	if caption != "" {
		h.Caption = strPtr(caption)
	}
	return h
}

func TestTuningScores(t *testing.T) {
	tn := DefaultTuning()
	assert.InDelta(t, 1.0, tn.semanticScore(0), 1e-9)
	assert.InDelta(t, 0.0, tn.semanticScore(0.928), 1e-9)
	assert.InDelta(t, 0.0, tn.semanticScore(1.5), 1e-9)
	assert.InDelta(t, 0.75, tn.lexicalScore(6), 1e-9)
	assert.InDelta(t, 1.0, tn.lexicalScore(20), 1e-9)
	assert.InDelta(t, 0.416, tn.ceiling(0.30), 1e-9)
	assert.InDelta(t, 0.58, tn.ceiling(0.55), 1e-9)
}

func TestAdmissibilityBoundaries(t *testing.T) {
	tn := DefaultTuning()
	ceiling := tn.ceiling(0.2)

	// strong lexical evidence clears a lower bar than semantic evidence
	assert.True(t, tn.admissible(Item{LexicalRaw: 2, Score: 0.121}, ceiling, false))
	assert.False(t, tn.admissible(Item{LexicalRaw: 2, Score: 0.12}, ceiling, false))
	assert.False(t, tn.admissible(Item{LexicalRaw: 1, Score: 0.5}, ceiling, false))

	assert.True(t, tn.admissible(Item{Distance: fp(0.25), Score: 0.201}, ceiling, true))
	assert.False(t, tn.admissible(Item{Distance: fp(0.25), Score: 0.2}, ceiling, true))
	assert.False(t, tn.admissible(Item{Distance: fp(0.35), Score: 0.6}, ceiling, true))
	assert.False(t, tn.admissible(Item{Score: 0.6}, ceiling, true))
}

func TestFuseGoldenHour(t *testing.T) {
	tn := DefaultTuning()
	golden := hit(fp(0.50), "golden hour portrait on the beach", "sunset")
	unrelated := hit(fp(0.55), "a parked car")
	tokens := Tokens("golden hour")

	lexical := []lexicalHit{{hit: golden, raw: LexicalScore("golden hour", tokens, golden.Caption, golden.Tags)}}
	items, diag, reason := tn.fuse([]store.Hit{golden, unrelated}, lexical)
	require.Empty(t, reason)
	sortItems(items, SortRelevance)

	// the unrelated photo is admissible but falls under the relative floor
	require.Len(t, items, 1)
	assert.Equal(t, golden.ID, items[0].ID)
	assert.InDelta(t, 0.72*(1-0.5/0.928)+0.28*0.75, items[0].Score, 1e-9)
	assert.InDelta(t, 0.5, *diag.BestDistance, 1e-9)
	assert.InDelta(t, items[0].Score, diag.BestScore, 1e-9)
}

func TestFuseRejectsWeakSemanticOnly(t *testing.T) {
	tn := DefaultTuning()

	_, diag, reason := tn.fuse([]store.Hit{hit(fp(0.5), ""), hit(fp(0.6), "")}, nil)
	assert.Equal(t, ReasonWeakSemanticOnly, reason)
	require.NotNil(t, diag.BestDistance)
	assert.InDelta(t, 0.5, *diag.BestDistance, 1e-9)

	// close enough but no separation from the pack
	var flat []store.Hit
	for i := 0; i < 8; i++ {
		flat = append(flat, hit(fp(0.30), ""))
	}
	_, diag, reason = tn.fuse(flat, nil)
	assert.Equal(t, ReasonWeakSemanticOnly, reason)
	assert.InDelta(t, 0, *diag.Separation, 1e-9)
}

func TestFuseConfidentSemanticOnly(t *testing.T) {
	tn := DefaultTuning()
	best := hit(fp(0.20), "")
	hits := []store.Hit{best, hit(fp(0.40), ""), hit(fp(0.45), ""), hit(fp(0.50), "")}

	items, diag, reason := tn.fuse(hits, nil)
	require.Empty(t, reason)
	require.Len(t, items, 1, "only the candidate under the adaptive ceiling survives")
	assert.Equal(t, best.ID, items[0].ID)
	assert.InDelta(t, (0.20+0.40+0.45+0.50)/4-0.20, *diag.Separation, 1e-9)
}

func TestFuseLexicalOnly(t *testing.T) {
	tn := DefaultTuning()

	strong := hit(nil, "golden hour portrait")
	items, diag, reason := tn.fuse(nil, []lexicalHit{{hit: strong, raw: 6}})
	require.Empty(t, reason)
	require.Len(t, items, 1)
	assert.Nil(t, diag.BestDistance)
	assert.InDelta(t, 0.21, items[0].Score, 1e-9)

	// admissible but below the minimum best score
	_, _, reason = tn.fuse(nil, []lexicalHit{{hit: strong, raw: 5}})
	assert.Equal(t, ReasonWeakHybrid, reason)
}

func TestFuseNoCandidates(t *testing.T) {
	_, diag, reason := DefaultTuning().fuse(nil, nil)
	assert.Equal(t, ReasonNoCandidates, reason)
	assert.Nil(t, diag)
}

func TestFuseFloorDropsTail(t *testing.T) {
	tn := DefaultTuning()
	top := hit(nil, "")
	tail := hit(nil, "")
	items, _, reason := tn.fuse(nil, []lexicalHit{{hit: top, raw: 8}, {hit: tail, raw: 4}})
	require.Empty(t, reason)
	require.Len(t, items, 1)
	assert.Equal(t, top.ID, items[0].ID)
}

func TestSortItems(t *testing.T) {
	now := time.Now()
	a := Item{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), Score: 0.5, Distance: fp(0.3), CreatedAt: now}
	b := Item{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000b"), Score: 0.5, Distance: fp(0.2), CreatedAt: now.Add(-time.Hour)}
	c := Item{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000c"), Score: 0.5, CreatedAt: now.Add(time.Hour)}
	d := Item{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000d"), Score: 0.9, CreatedAt: now.Add(-2 * time.Hour)}

	items := []Item{a, b, c, d}
	sortItems(items, SortRelevance)
	assert.Equal(t, []uuid.UUID{d.ID, b.ID, a.ID, c.ID}, ids(items))

	e := Item{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000e"), CreatedAt: now}
	items = []Item{a, b, c, d, e}
	sortItems(items, SortNewest)
	assert.Equal(t, []uuid.UUID{c.ID, e.ID, a.ID, b.ID, d.ID}, ids(items))
}

func ids(items []Item) []uuid.UUID {
	out := make([]uuid.UUID, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

type fakeRetriever struct {
	semantic    []store.Hit
	lexical     []store.Hit
	calls       atomic.Int32
	lastVectors int
	lastFetch   int
	lastTokens  []string
	lastRaw     string
}

func (r *fakeRetriever) SemanticCandidates(_ context.Context, vectors [][]float32, _ store.Filter, limit int) ([]store.Hit, error) {
	r.calls.Add(1)
	r.lastVectors = len(vectors)
	r.lastFetch = limit
	return r.semantic, nil
}

func (r *fakeRetriever) LexicalCandidates(_ context.Context, raw string, tokens []string, _ store.Filter, _ int) ([]store.Hit, error) {
	r.lastRaw = raw
	r.lastTokens = tokens
	return r.lexical, nil
}

type countingEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *countingEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestEngineSearch(t *testing.T) {
	golden := hit(fp(0.50), "golden hour portrait on the beach", "sunset")
	unrelated := hit(fp(0.55), "a parked car")
	r := &fakeRetriever{semantic: []store.Hit{golden, unrelated}, lexical: []store.Hit{golden, unrelated}}
	emb := &countingEmbedder{}
	e := NewEngine(r, emb, NewMemoryCache(time.Minute), DefaultTuning())

	res, err := e.Search(context.Background(), Request{Query: "Golden Hour", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Reason)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, golden.ID, res.Items[0].ID)
	assert.Equal(t, 5, r.lastVectors)
	assert.Equal(t, 30, r.lastFetch)
	assert.Equal(t, []string{"golden", "hour"}, r.lastTokens)
	assert.Equal(t, int32(5), emb.calls.Load())

	_, err = e.Search(context.Background(), Request{Query: "golden hour", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, int32(5), emb.calls.Load(), "variants come from the cache")
	assert.Equal(t, 200, r.lastFetch)
}

func TestEngineLowSignalSkipsRetrieval(t *testing.T) {
	r := &fakeRetriever{}
	e := NewEngine(r, &countingEmbedder{}, nil, DefaultTuning())

	for _, q := range []string{"a", "aaaa", "  "} {
		res, err := e.Search(context.Background(), Request{Query: q})
		require.NoError(t, err)
		assert.Equal(t, ReasonLowSignal, res.Reason)
		assert.Empty(t, res.Items)
	}
	assert.Zero(t, r.calls.Load())
}

func TestEnginePhraseWithoutTokens(t *testing.T) {
	match := hit(fp(0.30), "plan a b c today")
	other := hit(fp(0.45), "a parked car")
	r := &fakeRetriever{semantic: []store.Hit{match, other}, lexical: []store.Hit{match}}
	e := NewEngine(r, &countingEmbedder{}, nil, DefaultTuning())

	res, err := e.Search(context.Background(), Request{Query: "A B C"})
	require.NoError(t, err)
	assert.Equal(t, "a b c", r.lastRaw)
	assert.Empty(t, r.lastTokens)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, match.ID, res.Items[0].ID)
	assert.Equal(t, 4, res.Items[0].LexicalRaw)
}

func TestEngineWeakSemanticReason(t *testing.T) {
	r := &fakeRetriever{semantic: []store.Hit{hit(fp(0.5), ""), hit(fp(0.52), "")}}
	e := NewEngine(r, &countingEmbedder{}, nil, DefaultTuning())

	res, err := e.Search(context.Background(), Request{Query: "volcano"})
	require.NoError(t, err)
	assert.Equal(t, ReasonWeakSemanticOnly, res.Reason)
	assert.Empty(t, res.Items)
	require.NotNil(t, res.Diagnostics)
}

func TestEngineEmbedderFailure(t *testing.T) {
	r := &fakeRetriever{}
	e := NewEngine(r, &countingEmbedder{err: errors.New("runner exited")}, nil, DefaultTuning())
	_, err := e.Search(context.Background(), Request{Query: "volcano"})
	require.Error(t, err)
}

func TestNewEngineClampsDistances(t *testing.T) {
	tn := DefaultTuning()
	tn.MaxDistance = 5
	tn.SemanticOnlyMaxDistance = 0
	tn.MinSeparation = -1
	e := NewEngine(&fakeRetriever{}, &countingEmbedder{}, nil, tn)
	assert.Equal(t, 1.2, e.Tuning().MaxDistance)
	assert.Equal(t, 0.05, e.Tuning().SemanticOnlyMaxDistance)
	assert.Equal(t, 0.0, e.Tuning().MinSeparation)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(10 * time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "Golden Hour", []float32{1, 2})
	v, ok := c.Get(ctx, "golden hour")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)

	now = now.Add(10 * time.Minute)
	_, ok = c.Get(ctx, "golden hour")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestTieredCacheWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	shared := NewRedisCache(rdb, time.Minute)
	shared.Set(ctx, "beach", []float32{0.5, 0.25})

	local := NewMemoryCache(time.Minute)
	tiered := TieredCache{Local: local, Shared: shared}
	v, ok := tiered.Get(ctx, "BEACH")
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.25}, v)
	assert.Equal(t, 1, local.Len())

	mr.FastForward(2 * time.Minute)
	_, ok = shared.Get(ctx, "beach")
	assert.False(t, ok)
}
