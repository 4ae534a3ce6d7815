// Package pipeline turns prompts and hint images into video frames with a
// pseudo-3D diffusion model. A call shards its batch over the configured
// devices, runs the classifier-free guided denoising loop on each shard and
// decodes the resulting latents to images.
package pipeline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ollama/vidgen/discover"
	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/model"
	"github.com/ollama/vidgen/scheduler"
	"github.com/ollama/vidgen/types/errtypes"

	_ "github.com/ollama/vidgen/model/models"
)

type Options struct {
	// ModelPath is a directory holding the unet, vae, text_encoder,
	// tokenizer and scheduler subdirectories.
	ModelPath string

	Scheduler scheduler.Kind
	DType     ml.DType

	// LowVRAM decodes one frame at a time into a preallocated buffer
	// instead of decoding every frame in one call.
	LowVRAM bool

	// Devices the batch is sharded over. Empty selects discover.Devices.
	Devices []discover.DeviceInfo
}

type Pipeline struct {
	opts    Options
	model   *model.Model
	devices []discover.DeviceInfo

	mu        sync.RWMutex
	scheduler scheduler.Scheduler
	state     scheduler.State
}

// New loads the model at opts.ModelPath, casting its weights to opts.DType.
func New(opts Options) (*Pipeline, error) {
	if !opts.DType.Valid() {
		return nil, &errtypes.UnsupportedError{Kind: "dtype", Value: strconv.Itoa(int(opts.DType))}
	}

	m, err := model.Load(opts.ModelPath, opts.DType)
	if err != nil {
		return nil, err
	}

	devices := opts.Devices
	if len(devices) == 0 {
		devices = discover.Devices()
	}

	p := &Pipeline{opts: opts, model: m, devices: devices}
	if err := p.SetScheduler(opts.Scheduler); err != nil {
		return nil, err
	}

	slog.Info("pipeline ready", "model", opts.ModelPath, "scheduler", opts.Scheduler, "dtype", opts.DType, "low_vram", opts.LowVRAM, "devices", len(devices))
	return p, nil
}

// SetScheduler replaces the scheduler and its initial state with kind,
// configured from the model's scheduler directory. Network weights are
// untouched. Calls already in flight keep the scheduler they started with.
func (p *Pipeline) SetScheduler(kind scheduler.Kind) error {
	s, err := scheduler.FromPretrained(filepath.Join(p.opts.ModelPath, model.SchedulerDir), kind)
	if err != nil {
		return fmt.Errorf("pipeline: scheduler: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduler = s
	p.state = s.InitialState()
	p.opts.Scheduler = kind
	return nil
}

func (p *Pipeline) currentScheduler() (scheduler.Scheduler, scheduler.State) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scheduler, p.state
}

func (p *Pipeline) Scheduler() scheduler.Kind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts.Scheduler
}

func (p *Pipeline) Model() *model.Model {
	return p.model
}

func (p *Pipeline) Devices() []discover.DeviceInfo {
	return p.devices
}

func (p *Pipeline) DType() ml.DType {
	return p.opts.DType
}

func (p *Pipeline) LowVRAM() bool {
	return p.opts.LowVRAM
}

// VAEScaleFactor is the ratio of pixel to latent resolution.
func (p *Pipeline) VAEScaleFactor() int {
	return p.model.VAE.Config().ScaleFactor()
}
