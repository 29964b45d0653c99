package services

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// ClipContextLength is the fixed sequence length of the CLIP text tower.
const ClipContextLength = 77

type Tokenizer struct {
	tk *tokenizers.Tokenizer
}

func NewTokenizer(path string) (*Tokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &Tokenizer{tk: tk}, nil
}

// Encode returns ids and attention mask padded to maxLen. Over-long input
// keeps its final token so the end-of-text marker the text tower pools on
// survives truncation.
func (t *Tokenizer) Encode(text string, maxLen int) ([]int64, []int64, error) {
	ids, _ := t.tk.Encode(text, true)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("tokenize %q: no tokens", text)
	}

	if len(ids) > maxLen {
		last := ids[len(ids)-1]
		ids = append(ids[:maxLen-1:maxLen-1], last)
	}

	inputIDs := make([]int64, maxLen)
	mask := make([]int64, maxLen)
	for i, id := range ids {
		inputIDs[i] = int64(id)
		mask[i] = 1
	}
	return inputIDs, mask, nil
}

func (t *Tokenizer) Close() error {
	return t.tk.Close()
}
