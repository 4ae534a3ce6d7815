package pipeline

import (
	"github.com/ollama/vidgen/ml"
)

// Guidance combines the conditioned and unconditioned predictions as
// uncond + scale*(cond-uncond). It is evaluated as scale*cond +
// (1-scale)*uncond so that a scale of one returns cond exactly.
func Guidance(cond, uncond *ml.Tensor, scale float32) (*ml.Tensor, error) {
	if scale == 1 {
		return cond, nil
	}

	return ml.Lerp(uncond, cond, scale)
}
