package nn

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
)

type Embedding struct {
	Weight *ml.Tensor `st:"weight"`
}

// Forward looks up each id of a [B, L] batch, returning [B, L, D].
func (m *Embedding) Forward(ids [][]int32) (*ml.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("embedding: empty batch")
	}

	vocab, dim := m.Weight.Dim(0), m.Weight.Dim(1)
	length := len(ids[0])
	out := make([]float32, 0, len(ids)*length*dim)
	ws := m.Weight.Floats()
	for _, row := range ids {
		if len(row) != length {
			return nil, fmt.Errorf("embedding: ragged batch, %d and %d ids", length, len(row))
		}
		for _, id := range row {
			if id < 0 || int(id) >= vocab {
				return nil, fmt.Errorf("embedding: id %d out of range for vocabulary of %d", id, vocab)
			}
			out = append(out, ws[int(id)*dim:(int(id)+1)*dim]...)
		}
	}

	return ml.NewTensor(out, len(ids), length, dim)
}
