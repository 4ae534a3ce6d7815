package ml

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// Tensor is a dense row-major float32 array. Tensors are treated as
// immutable values: every operation returns a new tensor and never writes
// into its receiver, with the exception of Assign on buffers the caller
// allocated for that purpose.
type Tensor struct {
	shape []int
	data  []float32
}

var ErrShape = errors.New("shape mismatch")

func mul(dims ...int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// NewTensor wraps data with the given shape. data is not copied.
func NewTensor(data []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: tensor needs at least one dimension", ErrShape)
	}

	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: invalid dimension in %v", ErrShape, shape)
		}
	}

	if n := mul(shape...); n != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}

	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, mul(shape...))}
}

func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) NumDims() int {
	return len(t.shape)
}

func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Floats returns the backing array. Callers must not modify it.
func (t *Tensor) Floats() []float32 {
	return t.data
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor(shape=%v", t.shape)
	n := min(len(t.data), 6)
	fmt.Fprintf(&sb, ", data=%v", t.data[:n])
	if n < len(t.data) {
		sb.WriteString("...")
	}
	sb.WriteString(")")
	return sb.String()
}

// Reshape returns a view of t with a new shape. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape)
		}
		shape[infer] = len(t.data) / known
	}

	return NewTensor(t.data, shape...)
}

// Unsqueeze inserts a dimension of size one at axis.
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	if axis < 0 || axis > len(t.shape) {
		return nil, fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, t.shape)
	}

	shape := slices.Insert(slices.Clone(t.shape), axis, 1)
	return NewTensor(t.data, shape...)
}

func (t *Tensor) dense() *tensor.Dense {
	return tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(t.data))
}

func fromDense(tt tensor.Tensor) (*Tensor, error) {
	d, ok := tensor.Materialize(tt).(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("unexpected tensor type %T", tt)
	}

	shape := slices.Clone([]int(d.Shape()))
	if err := d.Reshape(d.Shape().TotalSize()); err != nil {
		return nil, err
	}

	data, err := native.VectorF32(d)
	if err != nil {
		return nil, err
	}

	return NewTensor(data, shape...)
}

// Permute reorders the axes of t, materializing the result.
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	if len(axes) != len(t.shape) {
		return nil, fmt.Errorf("%w: permutation %v for %v", ErrShape, axes, t.shape)
	}

	tt, err := tensor.Transpose(t.dense(), axes...)
	if err != nil {
		return nil, err
	}

	return fromDense(tt)
}

// Repeat tiles each element n times along axis.
func (t *Tensor) Repeat(axis, n int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, t.shape)
	}

	if n == 1 {
		return t, nil
	}

	tt, err := tensor.Repeat(t.dense(), axis, n)
	if err != nil {
		return nil, err
	}

	return fromDense(tt)
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	switch len(ts) {
	case 0:
		return nil, errors.New("concat: no tensors")
	case 1:
		return ts[0], nil
	}

	others := make([]tensor.Tensor, len(ts)-1)
	for i, t := range ts[1:] {
		if len(t.shape) != len(ts[0].shape) {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, ts[0].shape, t.shape)
		}
		others[i] = t.dense()
	}

	tt, err := tensor.Concat(axis, ts[0].dense(), others...)
	if err != nil {
		return nil, err
	}

	return fromDense(tt)
}

// stride is the number of elements spanned by one index of axis 0.
func (t *Tensor) stride() int {
	return mul(t.shape[1:]...)
}

// Slice copies the rows [start, end) of axis 0.
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if start < 0 || end > t.shape[0] || start >= end {
		return nil, fmt.Errorf("%w: slice [%d:%d] of %v", ErrShape, start, end, t.shape)
	}

	s := t.stride()
	shape := slices.Clone(t.shape)
	shape[0] = end - start
	return NewTensor(slices.Clone(t.data[start*s:end*s]), shape...)
}

// Split divides axis 0 into n equal parts.
func (t *Tensor) Split(n int) ([]*Tensor, error) {
	if n <= 0 || t.shape[0]%n != 0 {
		return nil, fmt.Errorf("%w: cannot split %d rows into %d parts", ErrShape, t.shape[0], n)
	}

	size := t.shape[0] / n
	parts := make([]*Tensor, n)
	for i := range parts {
		part, err := t.Slice(i*size, (i+1)*size)
		if err != nil {
			return nil, err
		}
		parts[i] = part
	}

	return parts, nil
}

// Assign copies src into row i of axis 0 of t. src must have the shape of
// one row, with or without the leading dimension of size one.
func (t *Tensor) Assign(i int, src *Tensor) error {
	s := t.stride()
	if i < 0 || i >= t.shape[0] || len(src.data) != s {
		return fmt.Errorf("%w: assign %v into row %d of %v", ErrShape, src.shape, i, t.shape)
	}

	copy(t.data[i*s:(i+1)*s], src.data)
	return nil
}

// Cast rounds every value to the precision of d.
func (t *Tensor) Cast(d DType) *Tensor {
	if d == DTypeF32 {
		return t
	}

	return t.Map(d.Round)
}

func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	out := Zeros(t.shape...)
	for i, v := range t.data {
		out.data[i] = fn(v)
	}
	return out
}

func (t *Tensor) Scale(s float32) *Tensor {
	return t.Map(func(v float32) float32 { return v * s })
}

func zip(a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	if !slices.Equal(a.shape, b.shape) {
		return nil, fmt.Errorf("%w: %v and %v", ErrShape, a.shape, b.shape)
	}

	out := Zeros(a.shape...)
	for i := range out.data {
		out.data[i] = fn(a.data[i], b.data[i])
	}
	return out, nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	return zip(a, b, func(x, y float32) float32 { return x + y })
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return zip(a, b, func(x, y float32) float32 { return x - y })
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return zip(a, b, func(x, y float32) float32 { return x * y })
}

// Lerp returns w*b + (1-w)*a.
func Lerp(a, b *Tensor, w float32) (*Tensor, error) {
	return zip(a, b, func(x, y float32) float32 { return w*y + (1-w)*x })
}

// Float64s widens the backing array.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, len(t.data))
	for i, v := range t.data {
		out[i] = float64(v)
	}
	return out
}

// FromFloat64s narrows data to a float32 tensor.
func FromFloat64s(data []float64, shape ...int) (*Tensor, error) {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return NewTensor(out, shape...)
}
