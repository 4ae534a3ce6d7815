package ml

import (
	"fmt"
	"maps"
	"slices"
)

// Weights is the frozen parameter tree of one network component, keyed by
// the tensor names found in its weight files.
type Weights map[string]*Tensor

func (w Weights) Get(name string) (*Tensor, error) {
	t, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("missing weight %q", name)
	}
	return t, nil
}

// Names returns the tensor names in sorted order.
func (w Weights) Names() []string {
	return slices.Sorted(maps.Keys(w))
}

func (w Weights) NumParams() uint64 {
	var n uint64
	for _, t := range w {
		n += uint64(t.NumElements())
	}
	return n
}

// Bytes is the footprint of w when stored as d.
func (w Weights) Bytes(d DType) int64 {
	return int64(w.NumParams()) * int64(d.Size())
}

// Cast rounds every tensor to d.
func (w Weights) Cast(d DType) Weights {
	out := make(Weights, len(w))
	for k, t := range w {
		out[k] = t.Cast(d)
	}
	return out
}
