package pipeline

import (
	"fmt"
	"image"

	"github.com/ollama/vidgen/imageproc"
	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/tokenizer"
)

// prepared holds the tensors of a whole batch before sharding.
type prepared struct {
	tokens   [][]int32
	negative [][]int32

	// hint is (B, 3, H, W) in [-1, 1] with masked pixels zeroed.
	hint []*ml.Tensor
	// mask is (B, 1, H, W) with values 0 or 1.
	mask []*ml.Tensor
}

// prepareImage resizes img to width x height when needed and returns its
// hint and mask planes.
func prepareImage(hint, mask image.Image, width, height int) (*ml.Tensor, *ml.Tensor, error) {
	hint, err := imageproc.Fit(hint, width, height)
	if err != nil {
		return nil, nil, err
	}

	mask, err = imageproc.Fit(mask, width, height)
	if err != nil {
		return nil, nil, err
	}

	m := imageproc.Binarize(imageproc.Gray(mask))
	h, err := imageproc.ApplyMask(imageproc.RGB(hint), m, 3)
	if err != nil {
		return nil, nil, err
	}

	ht, err := ml.NewTensor(h, 1, 3, height, width)
	if err != nil {
		return nil, nil, err
	}

	mt, err := ml.NewTensor(m, 1, 1, height, width)
	if err != nil {
		return nil, nil, err
	}

	return ht, mt, nil
}

func prepareInputs(tok *tokenizer.Tokenizer, in *inputs, width, height int) (*prepared, error) {
	p := prepared{
		tokens:   tok.Tokenize(in.prompts),
		negative: tok.Tokenize(in.negative),
		hint:     make([]*ml.Tensor, len(in.hints)),
		mask:     make([]*ml.Tensor, len(in.masks)),
	}

	for i := range in.hints {
		var err error
		p.hint[i], p.mask[i], err = prepareImage(in.hints[i], in.masks[i], width, height)
		if err != nil {
			return nil, fmt.Errorf("pipeline: image %d: %w", i, err)
		}
	}

	return &p, nil
}
