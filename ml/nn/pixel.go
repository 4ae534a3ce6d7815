package nn

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
)

// SpaceToDepth folds s x s spatial blocks of [B, C, H, W] into channels,
// giving [B, C*s*s, H/s, W/s].
func SpaceToDepth(x *ml.Tensor, s int) (*ml.Tensor, error) {
	if x.NumDims() != 4 || x.Dim(2)%s != 0 || x.Dim(3)%s != 0 {
		return nil, fmt.Errorf("space to depth: %w: %v by %d", ml.ErrShape, x.Shape(), s)
	}

	// [B, C, h, s, w, s] -> [B, C, s, s, h, w]
	b, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2)/s, x.Dim(3)/s
	t, err := x.Reshape(b, c, h, s, w, s)
	if err != nil {
		return nil, err
	}

	t, err = t.Permute(0, 1, 3, 5, 2, 4)
	if err != nil {
		return nil, err
	}

	return t.Reshape(b, c*s*s, h, w)
}

// DepthToSpace is the inverse of SpaceToDepth.
func DepthToSpace(x *ml.Tensor, s int) (*ml.Tensor, error) {
	if x.NumDims() != 4 || x.Dim(1)%(s*s) != 0 {
		return nil, fmt.Errorf("depth to space: %w: %v by %d", ml.ErrShape, x.Shape(), s)
	}

	// [B, C, s, s, h, w] -> [B, C, h, s, w, s]
	b, c, h, w := x.Dim(0), x.Dim(1)/(s*s), x.Dim(2), x.Dim(3)
	t, err := x.Reshape(b, c, s, s, h, w)
	if err != nil {
		return nil, err
	}

	t, err = t.Permute(0, 1, 4, 2, 5, 3)
	if err != nil {
		return nil, err
	}

	return t.Reshape(b, c, h*s, w*s)
}
