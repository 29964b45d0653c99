// Package runner talks to the external model processes: one-shot image
// embedder and captioner invocations, and a long-lived text embedding server.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"photosearch/internal/models"
)

var (
	ErrMalformedOutput = errors.New("runner: malformed output")
	ErrTimeout         = errors.New("runner: request timed out")
	ErrRunnerExited    = errors.New("runner: process exited")
)

type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

type Captioner interface {
	Caption(ctx context.Context, image []byte) (Caption, error)
}

type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type Caption struct {
	Text string   `json:"caption"`
	Tags []string `json:"tags"`
}

// ValidateVector converts runner output to float32, requiring exactly
// models.EmbeddingDim finite components.
func ValidateVector(values []float64) ([]float32, error) {
	if len(values) != models.EmbeddingDim {
		return nil, fmt.Errorf("%w: vector has %d components, want %d", ErrMalformedOutput, len(values), models.EmbeddingDim)
	}
	out := make([]float32, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: component %d is not finite", ErrMalformedOutput, i)
		}
		out[i] = float32(v)
	}
	return out, nil
}
