package nn

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/vidgen/ml"
)

func tensor(t *testing.T, data []float32, shape ...int) *ml.Tensor {
	t.Helper()
	x, err := ml.NewTensor(data, shape...)
	require.NoError(t, err)
	return x
}

func TestLinear(t *testing.T) {
	m := Linear{
		Weight: tensor(t, []float32{1, 0, 0, 1, 1, 1}, 3, 2),
		Bias:   tensor(t, []float32{0, 0, 10}, 3),
	}

	y, err := m.Forward(tensor(t, []float32{1, 2, 3, 4}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, y.Shape())
	assert.Equal(t, []float32{1, 2, 13, 3, 4, 17}, y.Floats())

	_, err = m.Forward(tensor(t, []float32{1, 2, 3}, 1, 3))
	assert.ErrorIs(t, err, ml.ErrShape)
}

func TestConv1x1(t *testing.T) {
	// two input channels over a 2x1 plane mixed into one output channel
	m := Conv1x1{
		Weight: tensor(t, []float32{2, -1}, 1, 2),
		Bias:   tensor(t, []float32{0.5}, 1),
	}

	y, err := m.Forward(tensor(t, []float32{1, 2, 3, 4}, 1, 2, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 1}, y.Shape())
	assert.Equal(t, []float32{2*1 - 3 + 0.5, 2*2 - 4 + 0.5}, y.Floats())
}

func TestLayerNorm(t *testing.T) {
	m := LayerNorm{
		Weight: ml.Full(1, 4),
		Bias:   ml.Full(0, 4),
	}

	y, err := m.Forward(tensor(t, []float32{1, 2, 3, 4}, 1, 4), 1e-5)
	require.NoError(t, err)

	var mean, sq float64
	for _, v := range y.Floats() {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	assert.InDelta(t, 0, mean/4, 1e-6)
	assert.InDelta(t, 1, sq/4, 1e-4)
}

func TestEmbedding(t *testing.T) {
	m := Embedding{Weight: tensor(t, []float32{0, 0, 1, 1, 2, 2}, 3, 2)}

	y, err := m.Forward([][]int32{{2, 0}, {1, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, y.Shape())
	assert.Equal(t, []float32{2, 2, 0, 0, 1, 1, 1, 1}, y.Floats())

	_, err = m.Forward([][]int32{{3}})
	assert.Error(t, err)
}

func TestTimestepEmbedding(t *testing.T) {
	y, err := TimestepEmbedding([]float32{0, 1}, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, y.Shape())

	want := []float32{
		1, 1, 0, 0,
		float32(math.Cos(1)), float32(math.Cos(0.01)), float32(math.Sin(1)), float32(math.Sin(0.01)),
	}
	if diff := cmp.Diff(want, y.Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("embedding mismatch (-want +got):\n%s", diff)
	}
}

func TestTemporalConv(t *testing.T) {
	// one channel, three frames of a single pixel, averaging neighbours
	m := TemporalConv{Weight: tensor(t, []float32{1, 1, 1}, 1, 3)}

	y, err := m.Forward(tensor(t, []float32{1, 2, 3}, 1, 1, 3, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 6, 5}, y.Floats())

	_, err = m.Forward(tensor(t, []float32{1, 2, 3}, 1, 3, 1))
	assert.ErrorIs(t, err, ml.ErrShape)
}

func TestSpaceToDepth(t *testing.T) {
	x := tensor(t, []float32{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
		12, 13, 14, 15,
	}, 1, 1, 4, 4)

	y, err := SpaceToDepth(x, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 2, 2}, y.Shape())
	assert.Equal(t, []float32{
		0, 2, 8, 10,
		1, 3, 9, 11,
		4, 6, 12, 14,
		5, 7, 13, 15,
	}, y.Floats())

	z, err := DepthToSpace(y, 2)
	require.NoError(t, err)
	assert.Equal(t, x.Shape(), z.Shape())
	assert.Equal(t, x.Floats(), z.Floats())
}

func TestActivations(t *testing.T) {
	x := tensor(t, []float32{0, 1, -1}, 3)

	if diff := cmp.Diff([]float32{0, float32(1 / (1 + math.Exp(-1))), float32(-1 / (1 + math.Exp(1)))}, SiLU(x).Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("silu mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{0, float32(math.Tanh(1)), float32(math.Tanh(-1))}, Tanh(x).Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("tanh mismatch (-want +got):\n%s", diff)
	}
}
