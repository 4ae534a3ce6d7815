package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/model"
)

// encodeHint maps hint pixels (B, 3, H, W) to scaled latent means repeated
// over frames: (B, c, F, h, w).
func encodeHint(m *model.Model, params model.Params, hint *ml.Tensor, frames int, dtype ml.DType) (*ml.Tensor, error) {
	cfg := m.VAE.Config()

	// the autoencoder returns its latents channel last
	mean, err := m.VAE.Encode(params[model.VAEDir], hint.Cast(dtype))
	if err != nil {
		return nil, fmt.Errorf("vae encode: %w", err)
	}

	if mean.NumDims() != 4 || mean.Dim(3) != cfg.LatentChannels {
		return nil, fmt.Errorf("vae encode: %w: want (B, h, w, %d), got %v", ml.ErrShape, cfg.LatentChannels, mean.Shape())
	}

	latents, err := mean.Scale(float32(cfg.ScalingFactor)).Cast(dtype).Permute(0, 3, 1, 2)
	if err != nil {
		return nil, err
	}

	if latents, err = latents.Unsqueeze(2); err != nil {
		return nil, err
	}

	return latents.Repeat(2, frames)
}

// frameLatents flattens (B, c, F, h, w) latents into (B*F, c, h, w) images
// ordered item-major, frame-minor, and undoes the latent scaling.
func frameLatents(latents *ml.Tensor, scalingFactor float64) (*ml.Tensor, error) {
	if latents.NumDims() != 5 {
		return nil, fmt.Errorf("%w: want (B, c, F, h, w), got %v", ml.ErrShape, latents.Shape())
	}

	b, c, f, h, w := latents.Dim(0), latents.Dim(1), latents.Dim(2), latents.Dim(3), latents.Dim(4)
	x, err := latents.Scale(float32(1/scalingFactor)).Permute(0, 2, 1, 3, 4)
	if err != nil {
		return nil, err
	}

	return x.Reshape(b*f, c, h, w)
}

// decodeLatents decodes (B, c, F, h, w) latents to (B*F, C, H, W) pixel
// values in the storage dtype. In low VRAM mode frames are decoded one at
// a time into a buffer allocated up front.
func decodeLatents(m *model.Model, params model.Params, latents *ml.Tensor, dtype ml.DType, lowVRAM bool) (*ml.Tensor, error) {
	cfg := m.VAE.Config()

	x, err := frameLatents(latents, cfg.ScalingFactor)
	if err != nil {
		return nil, fmt.Errorf("vae decode: %w", err)
	}
	x = x.Cast(dtype)

	if !lowVRAM {
		images, err := m.VAE.Decode(params[model.VAEDir], x)
		if err != nil {
			return nil, fmt.Errorf("vae decode: %w", err)
		}
		return images.Cast(dtype), nil
	}

	n := x.Dim(0)
	scale := cfg.ScaleFactor()
	images := ml.Zeros(n, cfg.OutChannels, x.Dim(2)*scale, x.Dim(3)*scale)
	slog.Debug("decoding frames", "frames", n, "buffer", images.Shape())

	for i := range n {
		frame, err := x.Slice(i, i+1)
		if err != nil {
			return nil, err
		}

		im, err := m.VAE.Decode(params[model.VAEDir], frame)
		if err != nil {
			return nil, fmt.Errorf("vae decode: frame %d: %w", i, err)
		}

		if err := images.Assign(i, im.Cast(dtype)); err != nil {
			return nil, fmt.Errorf("vae decode: frame %d: %w", i, err)
		}
	}

	return images, nil
}
