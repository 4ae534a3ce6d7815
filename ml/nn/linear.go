package nn

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
)

// Linear projects the last axis of its input: [..., in] -> [..., out].
type Linear struct {
	Weight *ml.Tensor `st:"weight"`
	Bias   *ml.Tensor `st:"bias,optional"`
}

func (m *Linear) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	out, in := m.Weight.Dim(0), m.Weight.Dim(1)
	shape := x.Shape()
	if shape[len(shape)-1] != in {
		return nil, fmt.Errorf("linear: %w: input %v, weight %v", ml.ErrShape, shape, m.Weight.Shape())
	}

	rows := x.NumElements() / in
	shape[len(shape)-1] = out
	y := make([]float32, rows*out)

	xs, ws := x.Floats(), m.Weight.Floats()
	for r := range rows {
		xr := xs[r*in : (r+1)*in]
		yr := y[r*out : (r+1)*out]
		for o := range out {
			wo := ws[o*in : (o+1)*in]
			var sum float32
			for i, v := range xr {
				sum += wo[i] * v
			}
			yr[o] = sum
		}
		if m.Bias != nil {
			for o, b := range m.Bias.Floats() {
				yr[o] += b
			}
		}
	}

	return ml.NewTensor(y, shape...)
}

// Conv1x1 projects the channel axis of a channel-first input:
// [B, in, spatial...] -> [B, out, spatial...].
type Conv1x1 struct {
	Weight *ml.Tensor `st:"weight"`
	Bias   *ml.Tensor `st:"bias,optional"`
}

func (m *Conv1x1) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	out, in := m.Weight.Dim(0), m.Weight.Dim(1)
	shape := x.Shape()
	if len(shape) < 2 || shape[1] != in {
		return nil, fmt.Errorf("conv1x1: %w: input %v, weight %v", ml.ErrShape, shape, m.Weight.Shape())
	}

	batch := shape[0]
	plane := x.NumElements() / (batch * in)
	shape[1] = out
	y := make([]float32, batch*out*plane)

	xs, ws := x.Floats(), m.Weight.Floats()
	for b := range batch {
		xb := xs[b*in*plane : (b+1)*in*plane]
		yb := y[b*out*plane : (b+1)*out*plane]
		for o := range out {
			yo := yb[o*plane : (o+1)*plane]
			if m.Bias != nil {
				bias := m.Bias.Floats()[o]
				for p := range yo {
					yo[p] = bias
				}
			}
			for i := range in {
				w := ws[o*in+i]
				xi := xb[i*plane : (i+1)*plane]
				for p, v := range xi {
					yo[p] += w * v
				}
			}
		}
	}

	return ml.NewTensor(y, shape...)
}
