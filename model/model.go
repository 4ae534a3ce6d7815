// Package model defines the network contracts of the pipeline and loads
// pretrained components from a diffusers style model directory.
package model

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ollama/vidgen/ml"
)

// Denoiser predicts the noise in a latent video. Implementations are pure:
// the output depends only on w and the inputs.
type Denoiser interface {
	// Apply takes latents x [B, in_channels, F, h, w], one timestep per
	// batch item, and a conditioning embedding [B, L, D]. It returns
	// [B, out_channels, F, h, w].
	Apply(w ml.Weights, x *ml.Tensor, t []float32, context *ml.Tensor) (*ml.Tensor, error)
	Config() UNetConfig
}

// Autoencoder converts between pixels and latents.
type Autoencoder interface {
	// Encode returns the mean of the latent distribution of pixels
	// [B, 3, H, W] in channel-last layout [B, h, w, latent_channels].
	Encode(w ml.Weights, pixels *ml.Tensor) (*ml.Tensor, error)
	// Decode maps latents [B, latent_channels, h, w] to pixels
	// [B, out_channels, H, W] in roughly [-1, 1].
	Decode(w ml.Weights, latents *ml.Tensor) (*ml.Tensor, error)
	Config() VAEConfig
}

// TextEncoder embeds a batch of token ids, returning the last hidden
// state [B, L, D].
type TextEncoder interface {
	Apply(w ml.Weights, ids [][]int32) (*ml.Tensor, error)
	Config() TextConfig
}

type registry[C, M any] map[string]func(C) (M, error)

func (r registry[C, M]) register(kind, name string, f func(C) (M, error)) {
	if _, ok := r[name]; ok {
		panic(fmt.Sprintf("model: %s %q already registered", kind, name))
	}

	r[name] = f
}

func (r registry[C, M]) new(kind, name string, c C) (M, error) {
	f, ok := r[name]
	if !ok {
		var zero M
		return zero, fmt.Errorf("unsupported %s architecture %q", kind, name)
	}

	return f(c)
}

var (
	denoisers    = registry[UNetConfig, Denoiser]{}
	autoencoders = registry[VAEConfig, Autoencoder]{}
	textEncoders = registry[TextConfig, TextEncoder]{}
)

// RegisterDenoiser registers a denoiser constructor for a diffusers class
// name.
func RegisterDenoiser(name string, f func(UNetConfig) (Denoiser, error)) {
	denoisers.register("denoiser", name, f)
}

func RegisterAutoencoder(name string, f func(VAEConfig) (Autoencoder, error)) {
	autoencoders.register("autoencoder", name, f)
}

func RegisterTextEncoder(name string, f func(TextConfig) (TextEncoder, error)) {
	textEncoders.register("text encoder", name, f)
}

func NewDenoiser(c UNetConfig) (Denoiser, error) {
	return denoisers.new("denoiser", c.ClassName, c)
}

func NewAutoencoder(c VAEConfig) (Autoencoder, error) {
	return autoencoders.new("autoencoder", c.ClassName, c)
}

// NewTextEncoder picks the first registered entry of the config's
// architectures.
func NewTextEncoder(c TextConfig) (TextEncoder, error) {
	for _, arch := range c.Architectures {
		if _, ok := textEncoders[arch]; ok {
			return textEncoders.new("text encoder", arch, c)
		}
	}

	return nil, fmt.Errorf("unsupported text encoder architectures %q", c.Architectures)
}

// Architectures lists the registered class names by component.
func Architectures() map[string][]string {
	return map[string][]string{
		UNetDir:        slices.Sorted(maps.Keys(denoisers)),
		VAEDir:         slices.Sorted(maps.Keys(autoencoders)),
		TextEncoderDir: slices.Sorted(maps.Keys(textEncoders)),
	}
}
