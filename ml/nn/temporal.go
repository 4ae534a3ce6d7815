package nn

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
)

// TemporalConv is a depthwise convolution along the frame axis of a
// [B, C, F, H, W] tensor with zero padding, so the frame count is kept.
// Weight is [C, K] with odd K.
type TemporalConv struct {
	Weight *ml.Tensor `st:"weight"`
	Bias   *ml.Tensor `st:"bias,optional"`
}

func (m *TemporalConv) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	if x.NumDims() != 5 {
		return nil, fmt.Errorf("temporal conv: %w: want 5 dimensions, got %v", ml.ErrShape, x.Shape())
	}

	batch, channels, frames := x.Dim(0), x.Dim(1), x.Dim(2)
	plane := x.Dim(3) * x.Dim(4)
	if m.Weight.Dim(0) != channels || m.Weight.Dim(1)%2 == 0 {
		return nil, fmt.Errorf("temporal conv: %w: input %v, weight %v", ml.ErrShape, x.Shape(), m.Weight.Shape())
	}

	k := m.Weight.Dim(1)
	pad := k / 2
	xs, ws := x.Floats(), m.Weight.Floats()
	y := make([]float32, len(xs))
	for b := range batch {
		for c := range channels {
			base := (b*channels + c) * frames * plane
			kernel := ws[c*k : (c+1)*k]
			var bias float32
			if m.Bias != nil {
				bias = m.Bias.Floats()[c]
			}

			for f := range frames {
				yf := y[base+f*plane : base+(f+1)*plane]
				for p := range yf {
					yf[p] = bias
				}

				for j, w := range kernel {
					src := f + j - pad
					if src < 0 || src >= frames {
						continue
					}
					xf := xs[base+src*plane : base+(src+1)*plane]
					for p, v := range xf {
						yf[p] += w * v
					}
				}
			}
		}
	}

	return ml.NewTensor(y, x.Shape()...)
}
