package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/ollama/vidgen/discover"
	"github.com/ollama/vidgen/format"
	"github.com/ollama/vidgen/imageproc"
	"github.com/ollama/vidgen/logutil"
	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/model"
	"github.com/ollama/vidgen/pmap"
	"github.com/ollama/vidgen/scheduler"
)

// plan holds the values broadcast unchanged to every device.
type plan struct {
	steps  int
	frames int
	width  int
	height int
	cfg    float32

	// state has its timesteps set for latentShape, the latent shape of
	// one shard. noiseSigma scales the initial latents.
	scheduler   scheduler.Scheduler
	state       scheduler.State
	noiseSigma  float64
	latentShape []int

	dtype    ml.DType
	lowVRAM  bool
	progress ProgressFunc
}

// shard is the slice of a batch one device works on.
type shard struct {
	tokens   [][]int32
	negative [][]int32
	hint     *ml.Tensor
	mask     *ml.Tensor
	seed     uint64
	params   model.Params
}

func (p *Pipeline) shards(in *prepared, seed uint64) ([]shard, error) {
	n := len(p.devices)

	tokens, err := pmap.Shard(in.tokens, n)
	if err != nil {
		return nil, err
	}

	negative, err := pmap.Shard(in.negative, n)
	if err != nil {
		return nil, err
	}

	hints, err := pmap.Shard(in.hint, n)
	if err != nil {
		return nil, err
	}

	masks, err := pmap.Shard(in.mask, n)
	if err != nil {
		return nil, err
	}

	params := pmap.Replicate(p.model.Params, n, model.Params.Clone)

	shards := make([]shard, n)
	for i := range shards {
		hint, err := ml.Concat(0, hints[i]...)
		if err != nil {
			return nil, err
		}

		mask, err := ml.Concat(0, masks[i]...)
		if err != nil {
			return nil, err
		}

		shards[i] = shard{
			tokens:   tokens[i],
			negative: negative[i],
			hint:     hint,
			mask:     mask,
			seed:     seed + uint64(i),
			params:   params[i],
		}
	}

	return shards, nil
}

// Generate runs the sampling loop for every prompt of r and returns
// len(r.Prompts)*r.Frames images of r.Width x r.Height. Images are ordered
// by device, then by batch item within the device, then by frame.
func (p *Pipeline) Generate(ctx context.Context, r Request) ([]image.Image, error) {
	in, err := r.validate(len(p.devices))
	if err != nil {
		return nil, err
	}

	vae := p.model.VAE.Config()
	scale := vae.ScaleFactor()
	latentShape := []int{len(in.prompts) / len(p.devices), vae.LatentChannels, r.Frames, r.Height / scale, r.Width / scale}

	sched, initial := p.currentScheduler()
	state, err := sched.SetTimesteps(initial, r.Steps, latentShape)
	if err != nil {
		return nil, err
	}

	pl := plan{
		steps:       r.Steps,
		frames:      r.Frames,
		width:       r.Width,
		height:      r.Height,
		cfg:         r.GuidanceScale,
		scheduler:   sched,
		state:       state,
		noiseSigma:  initial.InitNoiseSigma(),
		latentShape: latentShape,
		dtype:       p.opts.DType,
		lowVRAM:     p.opts.LowVRAM,
		progress:    r.Progress,
	}

	prep, err := prepareInputs(p.model.Tokenizer, in, r.Width, r.Height)
	if err != nil {
		return nil, err
	}

	shards, err := p.shards(prep, r.Seed)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := pmap.Run(ctx, p.devices, func(ctx context.Context, i int, _ discover.DeviceInfo) ([]image.Image, error) {
		return p.generate(ctx, &pl, &shards[i], i == 0)
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	images := pmap.Gather(results)
	slog.Info("generated", "batch", len(in.prompts), "frames", r.Frames, "images", len(images), "steps", r.Steps, "scheduler", sched.Kind(), "duration", format.HumanDuration(time.Since(start)))
	return images, nil
}

// generate samples the latents of one shard and decodes them to images.
func (p *Pipeline) generate(ctx context.Context, pl *plan, sh *shard, report bool) ([]image.Image, error) {
	m := p.model

	cond, err := encodePrompts(m, sh.params, sh.tokens, pl.dtype)
	if err != nil {
		return nil, err
	}

	uncond, err := encodePrompts(m, sh.params, sh.negative, pl.dtype)
	if err != nil {
		return nil, err
	}

	hint, err := encodeHint(m, sh.params, sh.hint, pl.frames, pl.dtype)
	if err != nil {
		return nil, err
	}

	h, w := pl.latentShape[3], pl.latentShape[4]
	if hint.Dim(3) != h || hint.Dim(4) != w {
		return nil, fmt.Errorf("%w: hint latents %v for a %dx%d latent", ml.ErrShape, hint.Shape(), w, h)
	}

	mask, err := imageproc.ResizeNearest(sh.mask, h, w)
	if err != nil {
		return nil, err
	}

	if mask, err = mask.Unsqueeze(2); err != nil {
		return nil, err
	}

	if mask, err = mask.Repeat(2, pl.frames); err != nil {
		return nil, err
	}

	// noise is drawn wide and rounded to the storage dtype after scaling
	latents := ml.RandomNormal(sh.seed, ml.DTypeF32, pl.latentShape...).Scale(float32(pl.noiseSigma)).Cast(pl.dtype)
	logutil.Trace("initial latents", "shape", latents.Shape(), "seed", sh.seed, "sigma", pl.noiseSigma)

	state := pl.state
	if seeder, ok := pl.scheduler.(scheduler.NoiseSeeder); ok {
		if state, err = seeder.WithNoiseSeed(state, sh.seed); err != nil {
			return nil, err
		}
	}

	d := denoiser{
		model:  m,
		params: sh.params[model.UNetDir],
		sched:  pl.scheduler,
		cfg:    pl.cfg,
		dtype:  pl.dtype,
	}

	var progress func(int)
	if report && pl.progress != nil {
		progress = func(i int) { pl.progress(i, pl.steps) }
	}

	latents, err = d.denoise(ctx, &conditioning{cond: cond, uncond: uncond, mask: mask, hint: hint}, latents, state, pl.steps, progress)
	if err != nil {
		return nil, err
	}

	pixels, err := decodeLatents(m, sh.params, latents, pl.dtype, pl.lowVRAM)
	if err != nil {
		return nil, err
	}

	frames, err := pixels.Split(pixels.Dim(0))
	if err != nil {
		return nil, err
	}

	images := make([]image.Image, len(frames))
	for i, f := range frames {
		frame, err := f.Reshape(f.Shape()[1:]...)
		if err != nil {
			return nil, err
		}

		if images[i], err = imageproc.ToImage(frame); err != nil {
			return nil, err
		}
	}

	return images, nil
}
