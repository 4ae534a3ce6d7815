package model

import (
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"github.com/ollama/vidgen/format"
	"github.com/ollama/vidgen/fs/safetensors"
	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/tokenizer"
	"github.com/ollama/vidgen/types/errtypes"
)

// Params maps a component name to its frozen weights.
type Params map[string]ml.Weights

// Clone returns a copy of p whose maps are new but whose tensors are
// shared. Tensors are never written after loading.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, w := range p {
		out[k] = maps.Clone(w)
	}
	return out
}

func (p Params) Bytes(d ml.DType) int64 {
	var n int64
	for _, w := range p {
		n += w.Bytes(d)
	}
	return n
}

// Model is a loaded model directory: the three networks, the tokenizer and
// the weights every network is applied with.
type Model struct {
	Path  string
	DType ml.DType

	UNet        Denoiser
	VAE         Autoencoder
	TextEncoder TextEncoder
	Tokenizer   *tokenizer.Tokenizer

	Params Params
}

func loadError(component string, err error) error {
	return &errtypes.ModelLoadError{Component: component, Err: err}
}

func loadWeights(dir string, dtype ml.DType) (ml.Weights, error) {
	start := time.Now()
	w, err := safetensors.ReadDir(dir, dtype)
	if err != nil {
		return nil, err
	}

	slog.Debug("loaded weights", "dir", dir, "tensors", len(w), "params", format.HumanNumber(w.NumParams()), "size", format.HumanBytes(w.Bytes(dtype)), "duration", format.HumanDuration(time.Since(start)))
	return w, nil
}

// Load reads every component of the model directory at path, casting all
// weights to dtype.
func Load(path string, dtype ml.DType) (*Model, error) {
	start := time.Now()
	m := Model{Path: path, DType: dtype, Params: Params{}}

	dir := filepath.Join(path, UNetDir)
	unetConfig, err := ReadUNetConfig(dir)
	if err != nil {
		return nil, loadError(UNetDir, err)
	}

	if m.UNet, err = NewDenoiser(unetConfig); err != nil {
		return nil, loadError(UNetDir, err)
	}

	dir = filepath.Join(path, VAEDir)
	vaeConfig, err := ReadVAEConfig(dir)
	if err != nil {
		return nil, loadError(VAEDir, err)
	}

	if m.VAE, err = NewAutoencoder(vaeConfig); err != nil {
		return nil, loadError(VAEDir, err)
	}

	dir = filepath.Join(path, TextEncoderDir)
	textConfig, err := ReadTextConfig(dir)
	if err != nil {
		return nil, loadError(TextEncoderDir, err)
	}

	if m.TextEncoder, err = NewTextEncoder(textConfig); err != nil {
		return nil, loadError(TextEncoderDir, err)
	}

	for _, name := range []string{UNetDir, VAEDir, TextEncoderDir} {
		w, err := loadWeights(filepath.Join(path, name), dtype)
		if err != nil {
			return nil, loadError(name, err)
		}
		m.Params[name] = w
	}

	if m.Tokenizer, err = tokenizer.Load(filepath.Join(path, TokenizerDir)); err != nil {
		return nil, loadError(TokenizerDir, err)
	}

	if unetConfig.CrossAttentionDim != textConfig.HiddenSize {
		return nil, loadError(UNetDir, fmt.Errorf("cross_attention_dim %d does not match text encoder hidden_size %d", unetConfig.CrossAttentionDim, textConfig.HiddenSize))
	}

	slog.Info("loaded model", "path", path, "dtype", dtype, "unet", unetConfig.ClassName, "vae", vaeConfig.ClassName, "text_encoder", textConfig.Architectures, "size", format.HumanBytes(m.Params.Bytes(dtype)), "duration", format.HumanDuration(time.Since(start)))
	return &m, nil
}
