package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"photosearch/internal/models"
)

// OnnxTextEmbedder runs a CLIP text tower exported to ONNX in-process. It
// is an alternative to the external text server and must produce vectors
// in the same space as the image embedder.
type OnnxTextEmbedder struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	tokenizer     *Tokenizer
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	output        *ort.Tensor[float32]
	once          sync.Once
}

func NewOnnxTextEmbedder(libraryPath, modelPath, tokenizerPath string) (*OnnxTextEmbedder, error) {
	ort.SetSharedLibraryPath(libraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnx: %w", err)
	}

	seq := int64(ClipContextLength)
	inputIDs, err := ort.NewTensor(ort.NewShape(1, seq), make([]int64, seq))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	attentionMask, err := ort.NewTensor(ort.NewShape(1, seq), make([]int64, seq))
	if err != nil {
		return nil, fmt.Errorf("create attention tensor: %w", err)
	}
	output, err := ort.NewTensor(ort.NewShape(1, models.EmbeddingDim), make([]float32, models.EmbeddingDim))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"text_embeds"},
		[]ort.ArbitraryTensor{inputIDs, attentionMask},
		[]ort.ArbitraryTensor{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	tokenizer, err := NewTokenizer(tokenizerPath)
	if err != nil {
		session.Destroy()
		return nil, err
	}

	return &OnnxTextEmbedder{
		session:       session,
		tokenizer:     tokenizer,
		inputIDs:      inputIDs,
		attentionMask: attentionMask,
		output:        output,
	}, nil
}

func (e *OnnxTextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty query")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, mask, err := e.tokenizer.Encode(text, ClipContextLength)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputIDs.GetData(), ids)
	copy(e.attentionMask.GetData(), mask)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	vec := make([]float32, models.EmbeddingDim)
	copy(vec, e.output.GetData())
	if !normalize(vec) {
		return nil, fmt.Errorf("inference: zero or non-finite embedding")
	}
	return vec, nil
}

// normalize scales v to unit length in place, reporting false when that is
// impossible.
func normalize(v []float32) bool {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return false
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return true
}

func (e *OnnxTextEmbedder) Close() {
	e.once.Do(func() {
		e.session.Destroy()
		e.inputIDs.Destroy()
		e.attentionMask.Destroy()
		e.output.Destroy()
		_ = e.tokenizer.Close()
		ort.DestroyEnvironment()
	})
}
