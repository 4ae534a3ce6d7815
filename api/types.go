package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// StringList accepts either a single JSON string or an array of strings.
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = StringList{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("must be a string or a list of strings: %w", err)
	}

	*s = many
	return nil
}

// ImageData is the raw bytes of an encoded image. It is base64 encoded in
// JSON.
type ImageData []byte

// GenerateRequest describes a video generation.
type GenerateRequest struct {
	// Prompt is one prompt per batch item.
	Prompt StringList `json:"prompt"`

	// NegativePrompt is omitted, one prompt for the whole batch or one per
	// item.
	NegativePrompt StringList `json:"negative_prompt,omitempty"`

	// Hint is one image for the whole batch or one per item.
	Hint []ImageData `json:"hint"`

	// Mask marks the hint regions to regenerate. Pixels of 192 and above
	// count as masked.
	Mask []ImageData `json:"mask,omitempty"`

	Options *Options `json:"options,omitempty"`

	// Stream reports progress after every step when unset or true.
	Stream *bool `json:"stream,omitempty"`
}

// Options are the sampling settings of a request. Unset fields take their
// defaults; set fields are validated as given.
type Options struct {
	Steps         *int     `json:"steps,omitempty"`
	GuidanceScale *float32 `json:"guidance_scale,omitempty"`
	Frames        *int     `json:"frames,omitempty"`
	Width         *int     `json:"width,omitempty"`
	Height        *int     `json:"height,omitempty"`
	Seed          uint64   `json:"seed,omitempty"`
}

// DefaultSteps is used when a request does not set the number of steps.
const DefaultSteps = 50

// GenerateResponse is sent after every denoising step while streaming and
// once with the frames when the generation is done.
type GenerateResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`

	Step  int `json:"step,omitempty"`
	Total int `json:"total,omitempty"`

	// Frames holds PNG images ordered by batch item, then frame.
	Frames []ImageData `json:"frames,omitempty"`

	Done          bool          `json:"done"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

type SchedulerRequest struct {
	Scheduler string `json:"scheduler"`
}

type SchedulerResponse struct {
	Scheduler string   `json:"scheduler"`
	Available []string `json:"available"`
}

type Device struct {
	Index   int    `json:"index"`
	Library string `json:"library"`
	ID      string `json:"id"`
	Threads int    `json:"threads"`
}

// ShowResponse describes the loaded model.
type ShowResponse struct {
	Path           string   `json:"path"`
	DType          string   `json:"dtype"`
	UNet           string   `json:"unet"`
	VAE            string   `json:"vae"`
	TextEncoder    string   `json:"text_encoder"`
	Parameters     uint64   `json:"parameters"`
	Size           int64    `json:"size"`
	VAEScaleFactor int      `json:"vae_scale_factor"`
	Scheduler      string   `json:"scheduler"`
	LowVRAM        bool     `json:"low_vram"`
	Devices        []Device `json:"devices"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
