package search

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"photosearch/internal/store"
)

const (
	ReasonLowSignal        = "low-signal"
	ReasonNoCandidates     = "no-candidates"
	ReasonWeakSemanticOnly = "weak-semantic-only-signal"
	ReasonWeakHybrid       = "weak-hybrid-match"
)

const (
	SortRelevance = "relevance"
	SortNewest    = "newest"
)

const (
	defaultLimit = 24
	maxLimit     = 100
)

// Tuning holds every threshold and weight of the ranking. DefaultTuning
// returns the production values.
type Tuning struct {
	MaxDistance             float64
	SemanticOnlyMaxDistance float64
	MinSeparation           float64

	MaxVariants     int
	FetchMultiplier int
	FetchCap        int
	TopAverageCount int

	SemanticWeight float64
	LexicalWeight  float64
	LexicalNorm    float64
	DistanceSpan   float64

	StrongLexicalRaw      int
	StrongLexicalMinScore float64
	SemanticMinScore      float64
	CeilingMargin         float64
	CeilingMarginRatio    float64

	FloorMin     float64
	FloorRatio   float64
	MinBestScore float64
}

func DefaultTuning() Tuning {
	return Tuning{
		MaxDistance:             0.58,
		SemanticOnlyMaxDistance: 0.36,
		MinSeparation:           0.012,

		MaxVariants:     8,
		FetchMultiplier: 3,
		FetchCap:        200,
		TopAverageCount: 8,

		SemanticWeight: 0.72,
		LexicalWeight:  0.28,
		LexicalNorm:    8,
		DistanceSpan:   1.6,

		StrongLexicalRaw:      2,
		StrongLexicalMinScore: 0.12,
		SemanticMinScore:      0.2,
		CeilingMargin:         0.08,
		CeilingMarginRatio:    0.2,

		FloorMin:     0.16,
		FloorRatio:   0.55,
		MinBestScore: 0.18,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Item is one ranked search result.
type Item struct {
	ID           uuid.UUID `json:"id"`
	Caption      *string   `json:"caption,omitempty"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"created_at"`
	ThumbnailKey string    `json:"-"`
	ThumbWidth   int       `json:"thumb_width"`
	ThumbHeight  int       `json:"thumb_height"`
	Distance     *float64  `json:"distance,omitempty"`
	LexicalRaw   int       `json:"lexical_score"`
	Semantic     float64   `json:"semantic"`
	Lexical      float64   `json:"lexical"`
	Score        float64   `json:"score"`
}

type Diagnostics struct {
	BestDistance       *float64 `json:"best_distance,omitempty"`
	AverageTopDistance *float64 `json:"avg_top_distance,omitempty"`
	Separation         *float64 `json:"separation,omitempty"`
	BestScore          float64  `json:"best_score"`
}

type Result struct {
	Items       []Item       `json:"items"`
	Reason      string       `json:"reason,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

type lexicalHit struct {
	hit store.Hit
	raw int
}

// distanceStats summarizes the semantic candidates, which must be sorted by
// ascending distance.
func (t Tuning) distanceStats(semantic []store.Hit) (best, avg, sep float64, ok bool) {
	var ds []float64
	for _, h := range semantic {
		if h.Distance != nil {
			ds = append(ds, *h.Distance)
		}
	}
	if len(ds) == 0 {
		return 0, 0, 0, false
	}
	sort.Float64s(ds)
	n := t.TopAverageCount
	if n < 1 || n > len(ds) {
		n = len(ds)
	}
	sum := 0.0
	for _, d := range ds[:n] {
		sum += d
	}
	best = ds[0]
	avg = sum / float64(n)
	return best, avg, avg - best, true
}

// semanticOnlyWeak reports whether semantic candidates alone are too close
// to noise to be shown.
func (t Tuning) semanticOnlyWeak(best, sep float64) bool {
	return best > t.SemanticOnlyMaxDistance || sep < t.MinSeparation
}

func (t Tuning) semanticScore(d float64) float64 {
	span := t.DistanceSpan * t.MaxDistance
	if span <= 0 {
		return 0
	}
	return math.Max(0, 1-math.Min(d, span)/span)
}

func (t Tuning) lexicalScore(raw int) float64 {
	if t.LexicalNorm <= 0 {
		return 0
	}
	return math.Min(1, float64(raw)/t.LexicalNorm)
}

func (t Tuning) ceiling(best float64) float64 {
	return math.Min(t.MaxDistance, best+math.Max(t.CeilingMargin, t.CeilingMarginRatio*t.MaxDistance))
}

func (t Tuning) admissible(it Item, ceiling float64, haveDistance bool) bool {
	if it.LexicalRaw >= t.StrongLexicalRaw && it.Score > t.StrongLexicalMinScore {
		return true
	}
	return haveDistance && it.Distance != nil && *it.Distance <= ceiling && it.Score > t.SemanticMinScore
}

// fuse merges both candidate lists and applies the confidence gates. It
// returns the surviving items in no particular order together with the
// diagnostics, or a reason when nothing should be shown.
func (t Tuning) fuse(semantic []store.Hit, lexical []lexicalHit) ([]Item, *Diagnostics, string) {
	if len(semantic) == 0 && len(lexical) == 0 {
		return nil, nil, ReasonNoCandidates
	}

	diag := &Diagnostics{}
	best, avg, sep, haveDistance := t.distanceStats(semantic)
	if haveDistance {
		diag.BestDistance, diag.AverageTopDistance, diag.Separation = &best, &avg, &sep
	}

	if len(lexical) == 0 && haveDistance && t.semanticOnlyWeak(best, sep) {
		return nil, diag, ReasonWeakSemanticOnly
	}

	byID := make(map[uuid.UUID]*Item, len(semantic)+len(lexical))
	var order []uuid.UUID
	get := func(h store.Hit) *Item {
		if it, ok := byID[h.ID]; ok {
			return it
		}
		it := &Item{
			ID:           h.ID,
			Caption:      h.Caption,
			Tags:         h.Tags,
			CreatedAt:    h.CreatedAt,
			ThumbnailKey: h.ThumbnailKey,
			ThumbWidth:   h.ThumbWidth,
			ThumbHeight:  h.ThumbHeight,
		}
		byID[h.ID] = it
		order = append(order, h.ID)
		return it
	}
	for _, h := range semantic {
		it := get(h)
		if h.Distance != nil && (it.Distance == nil || *h.Distance < *it.Distance) {
			d := *h.Distance
			it.Distance = &d
		}
	}
	for _, l := range lexical {
		it := get(l.hit)
		if l.raw > it.LexicalRaw {
			it.LexicalRaw = l.raw
		}
	}

	ceiling := t.ceiling(best)
	var admitted []Item
	for _, id := range order {
		it := byID[id]
		if it.Distance != nil {
			it.Semantic = t.semanticScore(*it.Distance)
		}
		it.Lexical = t.lexicalScore(it.LexicalRaw)
		it.Score = t.SemanticWeight*it.Semantic + t.LexicalWeight*it.Lexical
		if t.admissible(*it, ceiling, haveDistance) {
			admitted = append(admitted, *it)
		}
	}

	bestScore := 0.0
	for _, it := range admitted {
		bestScore = math.Max(bestScore, it.Score)
	}
	diag.BestScore = bestScore

	floor := math.Max(t.FloorMin, t.FloorRatio*bestScore)
	var kept []Item
	for _, it := range admitted {
		if it.Score >= floor {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 || bestScore < t.MinBestScore {
		return nil, diag, ReasonWeakHybrid
	}
	return kept, diag, ""
}

func distanceOrInf(d *float64) float64 {
	if d == nil {
		return math.Inf(1)
	}
	return *d
}

func sortItems(items []Item, mode string) {
	if mode == SortNewest {
		sort.SliceStable(items, func(i, j int) bool {
			a, b := items[i], items[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return strings.Compare(a.ID.String(), b.ID.String()) > 0
		})
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		da, db := distanceOrInf(a.Distance), distanceOrInf(b.Distance)
		if da != db {
			return da < db
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
