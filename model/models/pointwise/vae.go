package pointwise

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/ml/nn"
	"github.com/ollama/vidgen/model"
)

type VAEWeights struct {
	Encoder struct {
		ConvOut *nn.Conv1x1 `st:"conv_out"`
	} `st:"encoder"`
	QuantConv     *nn.Conv1x1 `st:"quant_conv"`
	PostQuantConv *nn.Conv1x1 `st:"post_quant_conv"`
	Decoder       struct {
		ConvIn *nn.Conv1x1 `st:"conv_in"`
	} `st:"decoder"`
}

// Autoencoder folds each scale x scale pixel block into channels and mixes
// them into the moments of a diagonal gaussian, the way a KL autoencoder
// would, and reverses the fold on decode.
type Autoencoder struct {
	config model.VAEConfig
}

func NewAutoencoder(c model.VAEConfig) (model.Autoencoder, error) {
	if c.LatentChannels <= 0 || c.InChannels <= 0 || c.OutChannels <= 0 {
		return nil, fmt.Errorf("pointwise autoencoder: invalid channels in %+v", c)
	}

	return &Autoencoder{config: c}, nil
}

func (a *Autoencoder) Config() model.VAEConfig {
	return a.config
}

func (a *Autoencoder) Encode(w ml.Weights, pixels *ml.Tensor) (*ml.Tensor, error) {
	var m VAEWeights
	if err := model.Populate(w, &m); err != nil {
		return nil, err
	}

	x, err := nn.SpaceToDepth(pixels, a.config.ScaleFactor())
	if err != nil {
		return nil, err
	}

	if x, err = m.Encoder.ConvOut.Forward(x); err != nil {
		return nil, err
	}

	moments, err := m.QuantConv.Forward(x)
	if err != nil {
		return nil, err
	}

	// moments hold the mean followed by the log variance
	c := a.config.LatentChannels
	if moments.Dim(1) != 2*c {
		return nil, fmt.Errorf("pointwise autoencoder: %w: %d moments for %d latent channels", ml.ErrShape, moments.Dim(1), c)
	}

	b, h, wd := moments.Dim(0), moments.Dim(2), moments.Dim(3)
	mean := ml.Zeros(b, c, h, wd)
	for i := range b {
		row, err := moments.Slice(i, i+1)
		if err != nil {
			return nil, err
		}

		mu, err := ml.NewTensor(row.Floats()[:c*h*wd], 1, c, h, wd)
		if err != nil {
			return nil, err
		}

		if err := mean.Assign(i, mu); err != nil {
			return nil, err
		}
	}

	return mean.Permute(0, 2, 3, 1)
}

func (a *Autoencoder) Decode(w ml.Weights, latents *ml.Tensor) (*ml.Tensor, error) {
	if latents.NumDims() != 4 || latents.Dim(1) != a.config.LatentChannels {
		return nil, fmt.Errorf("pointwise autoencoder: %w: want [B, %d, h, w], got %v", ml.ErrShape, a.config.LatentChannels, latents.Shape())
	}

	var m VAEWeights
	if err := model.Populate(w, &m); err != nil {
		return nil, err
	}

	x, err := m.PostQuantConv.Forward(latents)
	if err != nil {
		return nil, err
	}

	if x, err = m.Decoder.ConvIn.Forward(x); err != nil {
		return nil, err
	}

	if x, err = nn.DepthToSpace(x, a.config.ScaleFactor()); err != nil {
		return nil, err
	}

	return nn.Tanh(x), nil
}
