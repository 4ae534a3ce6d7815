package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Subdirectories of a model directory.
const (
	UNetDir        = "unet"
	VAEDir         = "vae"
	TextEncoderDir = "text_encoder"
	TokenizerDir   = "tokenizer"
	SchedulerDir   = "scheduler"
)

type UNetConfig struct {
	ClassName         string `json:"_class_name"`
	InChannels        int    `json:"in_channels"`
	OutChannels       int    `json:"out_channels"`
	BlockOutChannels  []int  `json:"block_out_channels"`
	CrossAttentionDim int    `json:"cross_attention_dim"`
	TemporalKernel    int    `json:"temporal_kernel_size"`
}

func defaultUNetConfig() UNetConfig {
	return UNetConfig{
		InChannels:        9,
		OutChannels:       4,
		BlockOutChannels:  []int{320, 640, 1280, 1280},
		CrossAttentionDim: 768,
		TemporalKernel:    3,
	}
}

type VAEConfig struct {
	ClassName        string  `json:"_class_name"`
	InChannels       int     `json:"in_channels"`
	OutChannels      int     `json:"out_channels"`
	LatentChannels   int     `json:"latent_channels"`
	BlockOutChannels []int   `json:"block_out_channels"`
	ScalingFactor    float64 `json:"scaling_factor"`
}

func defaultVAEConfig() VAEConfig {
	return VAEConfig{
		InChannels:       3,
		OutChannels:      3,
		LatentChannels:   4,
		BlockOutChannels: []int{128, 256, 512, 512},
		ScalingFactor:    0.18215,
	}
}

// ScaleFactor is the ratio of pixel to latent resolution.
func (c VAEConfig) ScaleFactor() int {
	return 1 << max(len(c.BlockOutChannels)-1, 0)
}

type TextConfig struct {
	Architectures         []string `json:"architectures"`
	VocabSize             int      `json:"vocab_size"`
	HiddenSize            int      `json:"hidden_size"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	LayerNormEps          float32  `json:"layer_norm_eps"`
}

func defaultTextConfig() TextConfig {
	return TextConfig{
		VocabSize:             49408,
		HiddenSize:            768,
		MaxPositionEmbeddings: 77,
		LayerNormEps:          1e-5,
	}
}

// readConfig decodes dir/config.json over the defaults already in v.
func readConfig(dir string, v any) error {
	p := filepath.Join(dir, "config.json")
	bts, err := os.ReadFile(p)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(bts, v); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}

	return nil
}

func ReadUNetConfig(dir string) (UNetConfig, error) {
	c := defaultUNetConfig()
	return c, readConfig(dir, &c)
}

func ReadVAEConfig(dir string) (VAEConfig, error) {
	c := defaultVAEConfig()
	if err := readConfig(dir, &c); err != nil {
		return c, err
	}

	if len(c.BlockOutChannels) == 0 {
		return c, fmt.Errorf("%s: block_out_channels is empty", dir)
	}

	return c, nil
}

func ReadTextConfig(dir string) (TextConfig, error) {
	c := defaultTextConfig()
	return c, readConfig(dir, &c)
}
