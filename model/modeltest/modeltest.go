// Package modeltest writes small synthetic model directories for tests.
package modeltest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ollama/vidgen/fs/safetensors"
	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/model"
	"github.com/ollama/vidgen/model/models/pointwise"
)

// Options size the synthetic networks.
type Options struct {
	Hidden         int
	TextDim        int
	LatentChannels int
	// Levels sets len(block_out_channels) of the autoencoder, so the
	// latent resolution is 2^(Levels-1) times smaller than the image.
	Levels int
	Seed   uint64

	// Scheduler is written to scheduler/scheduler_config.json. Nil writes a
	// PNDM configuration.
	Scheduler map[string]any
}

func (o Options) withDefaults() Options {
	if o.Hidden == 0 {
		o.Hidden = 8
	}
	if o.TextDim == 0 {
		o.TextDim = 8
	}
	if o.LatentChannels == 0 {
		o.LatentChannels = 4
	}
	if o.Levels == 0 {
		o.Levels = 4
	}
	if o.Scheduler == nil {
		o.Scheduler = map[string]any{
			"_class_name":         "PNDMScheduler",
			"beta_start":          0.00085,
			"beta_end":            0.012,
			"beta_schedule":       "scaled_linear",
			"num_train_timesteps": 1000,
			"set_alpha_to_one":    false,
			"skip_prk_steps":      true,
			"steps_offset":        1,
			"clip_sample":         false,
		}
	}
	return o
}

// Vocabulary returns the token strings of the synthetic tokenizer: the
// CLIP special tokens, every byte unit with and without the end of word
// marker, and the results of Merges.
func Vocabulary() []string {
	values := []string{"<|startoftext|>", "<|endoftext|>"}
	for b := range 256 {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}
		values = append(values, string(r), string(r)+"</w>")
	}

	for _, m := range Merges() {
		values = append(values, strings.ReplaceAll(m, " ", ""))
	}
	return values
}

func Merges() []string {
	return []string{"t h", "th e</w>", "c a", "ca t</w>"}
}

type writer struct {
	dir  string
	seed uint64
	w    ml.Weights
}

func (w *writer) tensor(name string, scale float32, shape ...int) {
	w.seed++
	w.w[name] = ml.RandomNormal(w.seed, ml.DTypeF32, shape...).Scale(scale)
}

func (w *writer) conv(name string, out, in int) {
	w.tensor(name+".weight", 1/float32(in), out, in)
	w.tensor(name+".bias", 0.01, out)
}

func writeJSON(p string, v any) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	bts, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(p, bts, 0o644)
}

func (w *writer) flush(component, file string) error {
	p := filepath.Join(w.dir, component, file)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	if err := safetensors.WriteFile(p, w.w, ml.DTypeF32); err != nil {
		return err
	}

	w.w = ml.Weights{}
	return nil
}

// Write creates a complete model directory at dir.
func Write(dir string, opts Options) error {
	opts = opts.withDefaults()
	w := &writer{dir: dir, seed: opts.Seed, w: ml.Weights{}}

	c, h, d := opts.LatentChannels, opts.Hidden, opts.TextDim
	blocks := make([]int, opts.Levels)
	for i := range blocks {
		blocks[i] = h
	}

	unet := model.UNetConfig{
		ClassName:         pointwise.UNetClass,
		InChannels:        2*c + 1,
		OutChannels:       c,
		BlockOutChannels:  blocks,
		CrossAttentionDim: d,
		TemporalKernel:    3,
	}
	if err := writeJSON(filepath.Join(dir, model.UNetDir, "config.json"), unet); err != nil {
		return err
	}

	w.conv("conv_in", h, unet.InChannels)
	w.conv("time_embedding.linear_1", h, h)
	w.conv("context_proj", h, d)
	w.tensor("temporal_conv.weight", 0.3, h, unet.TemporalKernel)
	w.conv("conv_out", c, h)
	if err := w.flush(model.UNetDir, "diffusion_pytorch_model.safetensors"); err != nil {
		return err
	}

	vae := model.VAEConfig{
		ClassName:        pointwise.AutoencoderClass,
		InChannels:       3,
		OutChannels:      3,
		LatentChannels:   c,
		BlockOutChannels: blocks,
		ScalingFactor:    0.18215,
	}
	if err := writeJSON(filepath.Join(dir, model.VAEDir, "config.json"), vae); err != nil {
		return err
	}

	s := vae.ScaleFactor()
	w.conv("encoder.conv_out", 2*c, 3*s*s)
	w.conv("quant_conv", 2*c, 2*c)
	w.conv("post_quant_conv", c, c)
	w.conv("decoder.conv_in", 3*s*s, c)
	if err := w.flush(model.VAEDir, "diffusion_pytorch_model.safetensors"); err != nil {
		return err
	}

	values := Vocabulary()
	text := model.TextConfig{
		Architectures:         []string{pointwise.TextModelClass},
		VocabSize:             len(values),
		HiddenSize:            d,
		MaxPositionEmbeddings: 77,
		LayerNormEps:          1e-5,
	}
	if err := writeJSON(filepath.Join(dir, model.TextEncoderDir, "config.json"), text); err != nil {
		return err
	}

	w.tensor("text_model.embeddings.token_embedding.weight", 1, len(values), d)
	w.tensor("text_model.embeddings.position_embedding.weight", 0.1, 77, d)
	w.w["text_model.final_layer_norm.weight"] = ml.Full(1, d)
	w.w["text_model.final_layer_norm.bias"] = ml.Full(0, d)
	if err := w.flush(model.TextEncoderDir, "model.safetensors"); err != nil {
		return err
	}

	ids := make(map[string]int, len(values))
	for i, v := range values {
		ids[v] = i
	}
	if err := writeJSON(filepath.Join(dir, model.TokenizerDir, "vocab.json"), ids); err != nil {
		return err
	}

	merges := "#version: 0.2\n" + strings.Join(Merges(), "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, model.TokenizerDir, "merges.txt"), []byte(merges), 0o644); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(dir, model.TokenizerDir, "tokenizer_config.json"), map[string]any{
		"model_max_length": 77,
		"pad_token":        "<|endoftext|>",
	}); err != nil {
		return err
	}

	return writeJSON(filepath.Join(dir, model.SchedulerDir, "scheduler_config.json"), opts.Scheduler)
}

// New writes a model directory with default options under t.TempDir.
func New(t testing.TB) string {
	t.Helper()

	dir := t.TempDir()
	if err := Write(dir, Options{}); err != nil {
		t.Fatal(err)
	}
	return dir
}
