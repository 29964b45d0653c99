// Package search answers free-text photo queries by fusing vector
// similarity with caption and tag matches, and withholds results when
// neither signal is confident.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"photosearch/internal/runner"
	"photosearch/internal/store"
)

type Retriever interface {
	SemanticCandidates(ctx context.Context, vectors [][]float32, f store.Filter, limit int) ([]store.Hit, error)
	LexicalCandidates(ctx context.Context, raw string, tokens []string, f store.Filter, limit int) ([]store.Hit, error)
}

type Request struct {
	Query  string
	Filter store.Filter
	Limit  int
	Sort   string
}

type Engine struct {
	retriever Retriever
	embedder  runner.TextEmbedder
	cache     VectorCache
	tuning    Tuning
	logger    *slog.Logger
}

// NewEngine builds an engine. The distance knobs of tuning are clamped to
// their safe ranges; a nil cache disables caching.
func NewEngine(r Retriever, embedder runner.TextEmbedder, cache VectorCache, tuning Tuning) *Engine {
	tuning.MaxDistance = clamp(tuning.MaxDistance, 0.15, 1.2)
	tuning.SemanticOnlyMaxDistance = clamp(tuning.SemanticOnlyMaxDistance, 0.05, 1.2)
	tuning.MinSeparation = clamp(tuning.MinSeparation, 0, 0.2)
	return &Engine{
		retriever: r,
		embedder:  embedder,
		cache:     cache,
		tuning:    tuning,
		logger:    slog.Default().With("component", "search"),
	}
}

func (e *Engine) Tuning() Tuning { return e.tuning }

func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if IsLowSignal(req.Query) {
		return &Result{Items: []Item{}, Reason: ReasonLowSignal}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	fetch := min(limit*e.tuning.FetchMultiplier, e.tuning.FetchCap)
	if fetch < limit {
		fetch = limit
	}

	query := Normalize(req.Query)
	variants := Expand(query, e.tuning.MaxVariants)
	tokens := Tokens(query)

	var (
		semantic []store.Hit
		lexical  []lexicalHit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vectors, err := e.embedVariants(gctx, variants)
		if err != nil {
			return err
		}
		semantic, err = e.retriever.SemanticCandidates(gctx, vectors, req.Filter, fetch)
		return err
	})
	g.Go(func() error {
		// with no usable tokens the phrase alone can still match a caption
		hits, err := e.retriever.LexicalCandidates(gctx, query, tokens, req.Filter, fetch)
		if err != nil {
			return err
		}
		for _, h := range hits {
			if raw := LexicalScore(query, tokens, h.Caption, h.Tags); raw > 0 {
				lexical = append(lexical, lexicalHit{hit: h, raw: raw})
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items, diag, reason := e.tuning.fuse(semantic, lexical)
	logger := e.logger.With(
		"query", query,
		"semantic", len(semantic),
		"lexical", len(lexical),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if reason != "" {
		logger.Info("search withheld", "reason", reason)
		return &Result{Items: []Item{}, Reason: reason, Diagnostics: diag}, nil
	}

	sortItems(items, req.Sort)
	if len(items) > limit {
		items = items[:limit]
	}
	logger.Debug("search answered", "results", len(items), "best_score", diag.BestScore)
	return &Result{Items: items, Diagnostics: diag}, nil
}

func (e *Engine) embedVariants(ctx context.Context, variants []string) ([][]float32, error) {
	vectors := make([][]float32, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		i, v := i, v
		g.Go(func() error {
			if e.cache != nil {
				if vec, ok := e.cache.Get(gctx, v); ok {
					vectors[i] = vec
					return nil
				}
			}
			vec, err := e.embedder.EmbedText(gctx, v)
			if err != nil {
				return fmt.Errorf("embed %q: %w", v, err)
			}
			if e.cache != nil {
				e.cache.Set(gctx, v, vec)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
