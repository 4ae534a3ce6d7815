package nn

import (
	"fmt"
	"math"

	"github.com/ollama/vidgen/ml"
)

// LayerNorm normalizes the last axis.
type LayerNorm struct {
	Weight *ml.Tensor `st:"weight"`
	Bias   *ml.Tensor `st:"bias"`
}

func (m *LayerNorm) Forward(x *ml.Tensor, eps float32) (*ml.Tensor, error) {
	shape := x.Shape()
	dim := shape[len(shape)-1]
	if m.Weight.NumElements() != dim || m.Bias.NumElements() != dim {
		return nil, fmt.Errorf("layernorm: %w: input %v, weight %v", ml.ErrShape, shape, m.Weight.Shape())
	}

	xs := x.Floats()
	y := make([]float32, len(xs))
	w, b := m.Weight.Floats(), m.Bias.Floats()
	for r := 0; r < len(xs); r += dim {
		row := xs[r : r+dim]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range row {
			y[r+i] = float32((float64(v)-mean)*inv)*w[i] + b[i]
		}
	}

	return ml.NewTensor(y, shape...)
}
