// Package pointwise implements compact networks that satisfy the pipeline's
// denoiser, autoencoder and text encoder contracts with per-pixel mixing
// only. They share the tensor naming of their diffusers and transformers
// counterparts but need no accelerator, which makes them suitable for
// exercising the full sampling pipeline.
package pointwise

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/ml/nn"
	"github.com/ollama/vidgen/model"
)

type TimeEmbedding struct {
	Linear1 *nn.Linear `st:"linear_1"`
	Linear2 *nn.Linear `st:"linear_2,optional"`
}

type UNetWeights struct {
	ConvIn        *nn.Conv1x1      `st:"conv_in"`
	TimeEmbedding *TimeEmbedding   `st:"time_embedding"`
	ContextProj   *nn.Linear       `st:"context_proj"`
	TemporalConv  *nn.TemporalConv `st:"temporal_conv"`
	ConvOut       *nn.Conv1x1      `st:"conv_out"`
}

// UNet is a pseudo-3D denoiser: channel mixing per pixel, a timestep and
// pooled text bias, and a depthwise convolution across frames.
type UNet struct {
	config model.UNetConfig
	hidden int
}

func NewUNet(c model.UNetConfig) (model.Denoiser, error) {
	if len(c.BlockOutChannels) == 0 {
		return nil, fmt.Errorf("pointwise unet: block_out_channels is empty")
	}

	if c.TemporalKernel%2 == 0 {
		return nil, fmt.Errorf("pointwise unet: temporal_kernel_size must be odd, got %d", c.TemporalKernel)
	}

	return &UNet{config: c, hidden: c.BlockOutChannels[0]}, nil
}

func (u *UNet) Config() model.UNetConfig {
	return u.config
}

// addChannels adds v [B, C] to every position of x [B, C, ...].
func addChannels(x, v *ml.Tensor) (*ml.Tensor, error) {
	b, c := x.Dim(0), x.Dim(1)
	if v.NumDims() != 2 || v.Dim(0) != b || v.Dim(1) != c {
		return nil, fmt.Errorf("%w: cannot add %v to %v", ml.ErrShape, v.Shape(), x.Shape())
	}

	plane := x.NumElements() / (b * c)
	out := x.Clone()
	data, vs := out.Floats(), v.Floats()
	for i := range b * c {
		for p := range plane {
			data[i*plane+p] += vs[i]
		}
	}
	return out, nil
}

// meanPool averages x [B, L, D] over L.
func meanPool(x *ml.Tensor) (*ml.Tensor, error) {
	if x.NumDims() != 3 {
		return nil, fmt.Errorf("%w: cannot pool %v", ml.ErrShape, x.Shape())
	}

	b, l, d := x.Dim(0), x.Dim(1), x.Dim(2)
	out := ml.Zeros(b, d)
	xs, sums := x.Floats(), out.Floats()
	for i := range b {
		for j := range l {
			row := xs[(i*l+j)*d : (i*l+j+1)*d]
			for k, v := range row {
				sums[i*d+k] += v / float32(l)
			}
		}
	}
	return out, nil
}

func (u *UNet) Apply(w ml.Weights, x *ml.Tensor, t []float32, context *ml.Tensor) (*ml.Tensor, error) {
	if x.NumDims() != 5 || x.Dim(1) != u.config.InChannels {
		return nil, fmt.Errorf("pointwise unet: %w: want [B, %d, F, H, W], got %v", ml.ErrShape, u.config.InChannels, x.Shape())
	}

	if len(t) != x.Dim(0) || context.Dim(0) != x.Dim(0) {
		return nil, fmt.Errorf("pointwise unet: %w: %d timesteps and context %v for batch %d", ml.ErrShape, len(t), context.Shape(), x.Dim(0))
	}

	var m UNetWeights
	if err := model.Populate(w, &m); err != nil {
		return nil, err
	}

	h, err := m.ConvIn.Forward(x)
	if err != nil {
		return nil, err
	}

	temb, err := nn.TimestepEmbedding(t, u.hidden)
	if err != nil {
		return nil, err
	}

	if temb, err = m.TimeEmbedding.Linear1.Forward(temb); err != nil {
		return nil, err
	}
	temb = nn.SiLU(temb)

	if m.TimeEmbedding.Linear2 != nil {
		if temb, err = m.TimeEmbedding.Linear2.Forward(temb); err != nil {
			return nil, err
		}
	}

	pooled, err := meanPool(context)
	if err != nil {
		return nil, err
	}

	cemb, err := m.ContextProj.Forward(pooled)
	if err != nil {
		return nil, err
	}

	if temb, err = ml.Add(temb, cemb); err != nil {
		return nil, err
	}

	if h, err = addChannels(h, temb); err != nil {
		return nil, err
	}
	h = nn.SiLU(h)

	// temporal mixing as a residual
	mixed, err := m.TemporalConv.Forward(h)
	if err != nil {
		return nil, err
	}

	if h, err = ml.Add(h, mixed); err != nil {
		return nil, err
	}

	return m.ConvOut.Forward(h)
}
