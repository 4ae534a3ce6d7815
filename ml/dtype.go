package ml

import (
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/vidgen/types/errtypes"
)

// DType is the storage precision of weights and network activations.
// Tensors always carry float32 backing; a narrower DType rounds every value
// to what the narrower format can represent.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "fp32", "f32":
		return DTypeF32, nil
	case "float16", "fp16", "f16", "half":
		return DTypeF16, nil
	case "bfloat16", "bf16":
		return DTypeBF16, nil
	default:
		return 0, &errtypes.UnsupportedError{Kind: "dtype", Value: s}
	}
}

func (d DType) Valid() bool {
	return d >= DTypeF32 && d <= DTypeBF16
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "float32"
	case DTypeF16:
		return "float16"
	case DTypeBF16:
		return "bfloat16"
	default:
		return "unknown"
	}
}

// Size is the number of bytes one element occupies in this format.
func (d DType) Size() int {
	if d == DTypeF32 {
		return 4
	}
	return 2
}

// Round returns f as represented in d.
func (d DType) Round(f float32) float32 {
	switch d {
	case DTypeF16:
		return float16.Fromfloat32(f).Float32()
	case DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(f))
	default:
		return f
	}
}
