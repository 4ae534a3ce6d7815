package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ollama/vidgen/format"
	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/model"
	"github.com/ollama/vidgen/scheduler"
)

// conditioning holds the denoiser inputs that stay fixed across steps.
type conditioning struct {
	cond   *ml.Tensor
	uncond *ml.Tensor

	// mask is (B, 1, F, h, w) and hint is (B, c, F, h, w).
	mask *ml.Tensor
	hint *ml.Tensor
}

type denoiser struct {
	model  *model.Model
	params ml.Weights
	sched  scheduler.Scheduler
	cfg    float32
	dtype  ml.DType
}

func (d *denoiser) predict(x *ml.Tensor, t []float32, embedding *ml.Tensor) (*ml.Tensor, error) {
	out, err := d.model.UNet.Apply(d.params, x, t, embedding)
	if err != nil {
		return nil, fmt.Errorf("unet: %w", err)
	}
	return out.Cast(d.dtype), nil
}

// step runs the denoiser once with each embedding on the same input,
// combines the predictions and advances the scheduler.
func (d *denoiser) step(c *conditioning, latents *ml.Tensor, state scheduler.State, i int) (*ml.Tensor, scheduler.State, error) {
	ts := state.Timesteps()
	if i >= len(ts) {
		return nil, nil, scheduler.ErrScheduleExhausted
	}
	t := ts[i]

	in, err := d.sched.ScaleModelInput(state, latents, t)
	if err != nil {
		return nil, nil, err
	}

	if in, err = ml.Concat(1, in.Cast(d.dtype), c.mask, c.hint); err != nil {
		return nil, nil, err
	}

	timesteps := slices.Repeat([]float32{float32(t)}, latents.Dim(0))
	cond, err := d.predict(in, timesteps, c.cond)
	if err != nil {
		return nil, nil, err
	}

	uncond, err := d.predict(in, timesteps, c.uncond)
	if err != nil {
		return nil, nil, err
	}

	noise, err := Guidance(cond, uncond, d.cfg)
	if err != nil {
		return nil, nil, err
	}

	return d.sched.Step(state, noise, t, latents)
}

// denoise folds step over a fixed number of iterations, threading the
// latents and scheduler state. The context is checked between steps.
func (d *denoiser) denoise(ctx context.Context, c *conditioning, latents *ml.Tensor, state scheduler.State, steps int, progress func(int)) (*ml.Tensor, error) {
	for i := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		start := time.Now()

		var err error
		latents, state, err = d.step(c, latents, state, i)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		slog.Debug("denoising step", "step", i+1, "steps", steps, "duration", format.HumanDuration(time.Since(start)))
		if progress != nil {
			progress(i + 1)
		}
	}

	return latents, nil
}
