package ml

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arange(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i)
	}
	return s
}

func TestNewTensor(t *testing.T) {
	_, err := NewTensor(arange(6), 2, 3)
	require.NoError(t, err)

	_, err = NewTensor(arange(5), 2, 3)
	assert.ErrorIs(t, err, ErrShape)

	_, err = NewTensor(nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestReshape(t *testing.T) {
	x, err := NewTensor(arange(24), 2, 3, 4)
	require.NoError(t, err)

	y, err := x.Reshape(6, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, y.Shape())

	_, err = x.Reshape(5, -1)
	assert.ErrorIs(t, err, ErrShape)
}

func TestPermute(t *testing.T) {
	// (B=1, H=2, W=2, C=3) channel-last to channel-first
	x, err := NewTensor(arange(12), 1, 2, 2, 3)
	require.NoError(t, err)

	y, err := x.Permute(0, 3, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 2}, y.Shape())

	want := []float32{
		0, 3, 6, 9,
		1, 4, 7, 10,
		2, 5, 8, 11,
	}
	if diff := cmp.Diff(want, y.Floats()); diff != "" {
		t.Errorf("permute mismatch (-want +got):\n%s", diff)
	}

	// the receiver is untouched
	if diff := cmp.Diff(arange(12), x.Floats()); diff != "" {
		t.Errorf("receiver modified (-want +got):\n%s", diff)
	}
}

func TestRepeat(t *testing.T) {
	x, err := NewTensor([]float32{1, 2}, 1, 2, 1, 1)
	require.NoError(t, err)

	y, err := x.Unsqueeze(2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 1, 1, 1}, y.Shape())

	z, err := y.Repeat(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 1, 1}, z.Shape())
	assert.Equal(t, []float32{1, 1, 1, 2, 2, 2}, z.Floats())
}

func TestConcat(t *testing.T) {
	a, err := NewTensor([]float32{1, 2, 3, 4}, 1, 2, 2)
	require.NoError(t, err)
	b, err := NewTensor([]float32{5, 6}, 1, 1, 2)
	require.NoError(t, err)

	c, err := Concat(1, a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2}, c.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Floats())

	_, err = Concat(1)
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	x, err := NewTensor(arange(12), 4, 3)
	require.NoError(t, err)

	parts, err := x.Split(2)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []int{2, 3}, parts[1].Shape())
	assert.Equal(t, []float32{6, 7, 8, 9, 10, 11}, parts[1].Floats())

	_, err = x.Split(3)
	assert.ErrorIs(t, err, ErrShape)
}

func TestAssign(t *testing.T) {
	buf := Zeros(3, 2)
	row, err := NewTensor([]float32{7, 8}, 1, 2)
	require.NoError(t, err)

	require.NoError(t, buf.Assign(1, row))
	assert.Equal(t, []float32{0, 0, 7, 8, 0, 0}, buf.Floats())
	assert.Error(t, buf.Assign(3, row))
}

func TestElementwise(t *testing.T) {
	a, _ := NewTensor([]float32{1, 2, 3}, 3)
	b, _ := NewTensor([]float32{4, 5, 6}, 3)

	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 7, 9}, sum.Floats())

	diff, err := Sub(b, a)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 3}, diff.Floats())

	prod, err := Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 10, 18}, prod.Floats())

	assert.Equal(t, []float32{2, 4, 6}, a.Scale(2).Floats())

	lerp, err := Lerp(a, b, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 8, 9}, lerp.Floats())

	c, _ := NewTensor([]float32{1, 2}, 2)
	_, err = Add(a, c)
	assert.ErrorIs(t, err, ErrShape)
}

func TestDType(t *testing.T) {
	cases := map[string]DType{
		"float32":  DTypeF32,
		"fp16":     DTypeF16,
		"float16":  DTypeF16,
		"bfloat16": DTypeBF16,
		" BF16 ":   DTypeBF16,
	}

	for s, want := range cases {
		got, err := ParseDType(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseDType("int8")
	assert.Error(t, err)

	// 1/3 is not representable in either half format
	third := float32(1) / 3
	assert.Equal(t, third, DTypeF32.Round(third))
	assert.NotEqual(t, third, DTypeF16.Round(third))
	assert.NotEqual(t, third, DTypeBF16.Round(third))
	assert.InDelta(t, third, DTypeF16.Round(third), 1e-3)
	assert.InDelta(t, third, DTypeBF16.Round(third), 1e-2)

	// values that fit exactly survive rounding
	for _, d := range []DType{DTypeF32, DTypeF16, DTypeBF16} {
		assert.Equal(t, float32(0.5), d.Round(0.5), d.String())
	}
}

func TestRandomNormal(t *testing.T) {
	a := RandomNormal(1, DTypeF32, 2, 4, 1, 8, 8)
	b := RandomNormal(1, DTypeF32, 2, 4, 1, 8, 8)
	c := RandomNormal(2, DTypeF32, 2, 4, 1, 8, 8)

	assert.Equal(t, a.Floats(), b.Floats())
	assert.NotEqual(t, a.Floats(), c.Floats())

	var sum, sq float64
	for _, v := range a.Floats() {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(a.NumElements())
	mean := sum / n
	assert.InDelta(t, 0, mean, 0.15)
	assert.InDelta(t, 1, math.Sqrt(sq/n-mean*mean), 0.15)

	// narrow storage keeps the same draws, rounded
	h := RandomNormal(1, DTypeF16, 2, 4, 1, 8, 8)
	for i, v := range h.Floats() {
		if v != DTypeF16.Round(a.Floats()[i]) {
			t.Fatalf("element %d: %v is not %v rounded to float16", i, v, a.Floats()[i])
		}
	}
}

func TestWeights(t *testing.T) {
	w := Weights{
		"b": Full(1, 2),
		"a": Full(1, 3, 2),
	}

	assert.Equal(t, []string{"a", "b"}, w.Names())
	assert.Equal(t, uint64(8), w.NumParams())
	assert.Equal(t, int64(16), w.Bytes(DTypeF16))

	_, err := w.Get("c")
	assert.Error(t, err)
}

func TestStreamSeed(t *testing.T) {
	seen := map[uint64]bool{}
	for seed := range uint64(8) {
		seen[seed] = true
	}

	for seed := range uint64(8) {
		for n := range uint64(8) {
			s := StreamSeed(seed, n)
			assert.False(t, seen[s], "stream %d of seed %d collides", n, seed)
			seen[s] = true
		}
	}

	assert.Equal(t, StreamSeed(3, 2), StreamSeed(3, 2))
	assert.NotEqual(t, RandomNormal(1, DTypeF32, 16).Floats(), RandomNormal(StreamSeed(1, 0), DTypeF32, 16).Floats())
}
