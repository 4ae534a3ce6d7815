package nn

import (
	"math"

	"github.com/ollama/vidgen/ml"
)

// TimestepEmbedding returns the sinusoidal embedding of each timestep,
// [len(t), dim], cosines first.
func TimestepEmbedding(t []float32, dim int) (*ml.Tensor, error) {
	half := dim / 2
	out := make([]float32, len(t)*dim)
	for b, ts := range t {
		row := out[b*dim : (b+1)*dim]
		for i := range half {
			freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
			arg := float64(ts) * freq
			row[i] = float32(math.Cos(arg))
			row[half+i] = float32(math.Sin(arg))
		}
	}

	return ml.NewTensor(out, len(t), dim)
}
