package pipeline

import (
	"image"

	"github.com/ollama/vidgen/types/errtypes"
)

// ProgressFunc is called after every denoising step of the first device.
type ProgressFunc func(step, totalSteps int)

type Request struct {
	// Prompts holds one prompt per batch item.
	Prompts []string

	// NegativePrompts steer the unconditioned prediction. Empty means ""
	// for every item; a single entry applies to every item.
	NegativePrompts []string

	// Hints is one image for the whole batch or one per item.
	Hints []image.Image

	// Masks mark the hint regions to regenerate. Empty means no mask; a
	// single image applies to every item.
	Masks []image.Image

	Steps         int
	GuidanceScale float32
	Frames        int
	Width         int
	Height        int

	// Seed seeds the initial noise. Device i uses Seed+i.
	Seed uint64

	Progress ProgressFunc
}

// DefaultRequest returns a request with the default sampling settings and
// no inputs.
func DefaultRequest() Request {
	return Request{
		GuidanceScale: 10,
		Frames:        24,
		Width:         512,
		Height:        512,
	}
}

// inputs are the per-item lists of a validated request.
type inputs struct {
	prompts  []string
	negative []string
	hints    []image.Image
	masks    []image.Image
}

// broadcast expands the single value form of an optional list to n items.
func broadcast[T any](arg string, s []T, n int, fallback func() T) ([]T, error) {
	switch len(s) {
	case 0:
		if fallback == nil {
			return nil, errtypes.InvalidArgument(arg, "at least one is required")
		}
		s = []T{fallback()}
		fallthrough
	case 1:
		out := make([]T, n)
		for i := range out {
			out[i] = s[0]
		}
		return out, nil
	case n:
		return s, nil
	default:
		return nil, errtypes.InvalidArgument(arg, "got %d for a batch of %d", len(s), n)
	}
}

func (r Request) validate(devices int) (*inputs, error) {
	switch {
	case r.Steps <= 0:
		return nil, errtypes.InvalidArgument("steps", "must be greater than zero, got %d", r.Steps)
	case r.Frames <= 0:
		return nil, errtypes.InvalidArgument("frames", "must be greater than zero, got %d", r.Frames)
	case r.Width <= 0 || r.Width%32 != 0:
		return nil, errtypes.InvalidArgument("width", "must be a positive multiple of 32, got %d", r.Width)
	case r.Height <= 0 || r.Height%32 != 0:
		return nil, errtypes.InvalidArgument("height", "must be a positive multiple of 32, got %d", r.Height)
	case len(r.Prompts) == 0:
		return nil, errtypes.InvalidArgument("prompt", "at least one is required")
	case len(r.Prompts)%devices != 0:
		return nil, errtypes.InvalidArgument("batch", "size %d is not a multiple of the number of devices %d", len(r.Prompts), devices)
	}

	n := len(r.Prompts)
	in := inputs{prompts: r.Prompts}

	var err error
	if in.hints, err = broadcast("hint", r.Hints, n, nil); err != nil {
		return nil, err
	}

	for i, hint := range in.hints {
		if hint == nil || hint.Bounds().Empty() {
			return nil, errtypes.InvalidArgument("hint", "image %d is empty", i)
		}
	}

	if in.masks, err = broadcast("mask", r.Masks, n, func() image.Image {
		return image.NewGray(in.hints[0].Bounds())
	}); err != nil {
		return nil, err
	}

	for i, mask := range in.masks {
		if mask == nil || mask.Bounds().Empty() {
			return nil, errtypes.InvalidArgument("mask", "image %d is empty", i)
		}
	}

	if in.negative, err = broadcast("negative_prompt", r.NegativePrompts, n, func() string { return "" }); err != nil {
		return nil, err
	}

	return &in, nil
}
