package nn

import (
	"math"

	"github.com/ollama/vidgen/ml"
)

func SiLU(x *ml.Tensor) *ml.Tensor {
	return x.Map(func(v float32) float32 {
		return v / (1 + float32(math.Exp(float64(-v))))
	})
}

func Tanh(x *ml.Tensor) *ml.Tensor {
	return x.Map(func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	})
}
