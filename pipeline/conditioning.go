package pipeline

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/model"
)

// encodePrompts embeds the token batch with the text encoder, returning the
// last hidden state (B, L, D) in the storage dtype.
func encodePrompts(m *model.Model, params model.Params, tokens [][]int32, dtype ml.DType) (*ml.Tensor, error) {
	h, err := m.TextEncoder.Apply(params[model.TextEncoderDir], tokens)
	if err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}

	if h.NumDims() != 3 || h.Dim(0) != len(tokens) {
		return nil, fmt.Errorf("text encoder: %w: %v for a batch of %d", ml.ErrShape, h.Shape(), len(tokens))
	}

	return h.Cast(dtype), nil
}
