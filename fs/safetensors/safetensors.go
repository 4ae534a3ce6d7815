// Package safetensors reads and writes weight files in the safetensors
// format: an 8 byte little endian header length, a JSON header describing
// each tensor, then the raw tensor data.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/vidgen/ml"
)

var ErrUnsupportedDType = errors.New("unsupported safetensors dtype")

type metadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// ReadDir loads every *.safetensors file in dir into one set of weights,
// rounding values to dtype.
func ReadDir(dir string, dtype ml.DType) (ml.Weights, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no safetensors files in %s", dir)
	}

	slices.Sort(paths)

	fsys := os.DirFS(dir)
	w := make(ml.Weights)
	for _, p := range paths {
		ts, err := Read(fsys, filepath.Base(p), dtype)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		for name, t := range ts {
			if _, ok := w[name]; ok {
				return nil, fmt.Errorf("duplicate tensor name '%s' was found in %s", name, p)
			}
			w[name] = t
		}
	}

	return w, nil
}

// Read loads one safetensors file from fsys.
func Read(fsys fs.FS, p string, dtype ml.DType) (ml.Weights, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n <= 0 || n > 100<<20 {
		return nil, fmt.Errorf("invalid safetensors header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]metadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	w := make(ml.Weights, len(headers))
	for name, value := range headers {
		// __metadata__ carries no dtype
		if value.Type == "" {
			continue
		}

		if len(value.Offsets) != 2 || value.Offsets[0] < 0 || value.Offsets[1] > int64(len(data)) || value.Offsets[0] > value.Offsets[1] {
			return nil, fmt.Errorf("tensor %q: invalid data offsets %v", name, value.Offsets)
		}

		f32s, err := decode(value.Type, data[value.Offsets[0]:value.Offsets[1]])
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}

		shape := make([]int, len(value.Shape))
		for i, d := range value.Shape {
			shape[i] = int(d)
		}
		if len(shape) == 0 {
			shape = []int{1}
		}

		t, err := ml.NewTensor(f32s, shape...)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}

		w[name] = t.Cast(dtype)
	}

	slog.Debug("read safetensors", "path", p, "tensors", len(w))
	return w, nil
}

func decode(dtype string, bts []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		f32s := make([]float32, len(bts)/4)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, len(bts)/2)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		return bfloat16.DecodeFloat32(bts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

func encode(dtype ml.DType, f32s []float32) ([]byte, string, error) {
	var buf bytes.Buffer
	switch dtype {
	case ml.DTypeF32:
		if err := binary.Write(&buf, binary.LittleEndian, f32s); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "F32", nil
	case ml.DTypeF16:
		f16s := make([]uint16, len(f32s))
		for i := range f32s {
			f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}
		if err := binary.Write(&buf, binary.LittleEndian, f16s); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "F16", nil
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(f32s), "BF16", nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

// Write serializes w in dtype. Tensors are laid out in name order.
func Write(out io.Writer, w ml.Weights, dtype ml.DType) error {
	headers := make(map[string]metadata, len(w))
	var data bytes.Buffer
	for _, name := range w.Names() {
		t := w[name]
		bts, st, err := encode(dtype, t.Floats())
		if err != nil {
			return err
		}

		shape := make([]uint64, t.NumDims())
		for i, d := range t.Shape() {
			shape[i] = uint64(d)
		}

		start := int64(data.Len())
		data.Write(bts)
		headers[name] = metadata{Type: st, Shape: shape, Offsets: []int64{start, int64(data.Len())}}
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	// pad the header so tensor data starts 8 byte aligned
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(out, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}

	if _, err := out.Write(header); err != nil {
		return err
	}

	_, err = data.WriteTo(out)
	return err
}

func WriteFile(p string, w ml.Weights, dtype ml.DType) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}

	if err := Write(f, w, dtype); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
