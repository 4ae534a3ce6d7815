package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/vidgen/ml"
)

func testWeights(t *testing.T) ml.Weights {
	t.Helper()

	a, err := ml.NewTensor([]float32{1, -2, 0.5, 1.0 / 3}, 2, 2)
	require.NoError(t, err)
	b, err := ml.NewTensor([]float32{3, 4, 5}, 3)
	require.NoError(t, err)

	return ml.Weights{"a.weight": a, "b.bias": b}
}

func TestWriteRead(t *testing.T) {
	cases := []struct {
		store ml.DType
		load  ml.DType
	}{
		{ml.DTypeF32, ml.DTypeF32},
		{ml.DTypeF16, ml.DTypeF32},
		{ml.DTypeBF16, ml.DTypeF32},
		{ml.DTypeF32, ml.DTypeF16},
	}

	for _, tt := range cases {
		t.Run(tt.store.String()+"-"+tt.load.String(), func(t *testing.T) {
			w := testWeights(t)

			var buf bytes.Buffer
			require.NoError(t, Write(&buf, w, tt.store))

			fsys := fstest.MapFS{"model.safetensors": {Data: buf.Bytes()}}
			got, err := Read(fsys, "model.safetensors", tt.load)
			require.NoError(t, err)
			require.Equal(t, w.Names(), got.Names())

			for _, name := range w.Names() {
				assert.Equal(t, w[name].Shape(), got[name].Shape(), name)
				for i, v := range w[name].Floats() {
					want := tt.load.Round(tt.store.Round(v))
					assert.Equal(t, want, got[name].Floats()[i], "%s[%d]", name, i)
				}
			}
		})
	}
}

func TestHeaderAligned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testWeights(t), ml.DTypeF32))

	var n int64
	require.NoError(t, binary.Read(bytes.NewReader(buf.Bytes()), binary.LittleEndian, &n))
	assert.Zero(t, n%8)
	assert.Equal(t, int64(buf.Len()), 8+n+7*4)
}

func TestReadErrors(t *testing.T) {
	header := []byte(`{"x":{"dtype":"I8","shape":[1],"data_offsets":[0,1]}}`)
	var unsupported bytes.Buffer
	binary.Write(&unsupported, binary.LittleEndian, int64(len(header)))
	unsupported.Write(header)
	unsupported.WriteByte(0)

	header = []byte(`{"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
	var truncated bytes.Buffer
	binary.Write(&truncated, binary.LittleEndian, int64(len(header)))
	truncated.Write(header)
	truncated.Write(make([]byte, 8))

	fsys := fstest.MapFS{
		"unsupported.safetensors": {Data: unsupported.Bytes()},
		"truncated.safetensors":   {Data: truncated.Bytes()},
		"empty.safetensors":       {Data: nil},
	}

	_, err := Read(fsys, "unsupported.safetensors", ml.DTypeF32)
	assert.ErrorIs(t, err, ErrUnsupportedDType)

	_, err = Read(fsys, "truncated.safetensors", ml.DTypeF32)
	assert.Error(t, err)

	_, err = Read(fsys, "empty.safetensors", ml.DTypeF32)
	assert.Error(t, err)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	w := testWeights(t)

	require.NoError(t, WriteFile(filepath.Join(dir, "model-00001-of-00002.safetensors"), ml.Weights{"a.weight": w["a.weight"]}, ml.DTypeF32))
	require.NoError(t, WriteFile(filepath.Join(dir, "model-00002-of-00002.safetensors"), ml.Weights{"b.bias": w["b.bias"]}, ml.DTypeF32))

	got, err := ReadDir(dir, ml.DTypeF32)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.weight", "b.bias"}, got.Names())

	// the same tensor in two shards is rejected
	require.NoError(t, WriteFile(filepath.Join(dir, "model-extra.safetensors"), ml.Weights{"b.bias": w["b.bias"]}, ml.DTypeF32))
	_, err = ReadDir(dir, ml.DTypeF32)
	assert.ErrorContains(t, err, "duplicate")

	_, err = ReadDir(filepath.Join(dir, "missing"), ml.DTypeF32)
	assert.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "none"), 0o755))
	_, err = ReadDir(filepath.Join(dir, "none"), ml.DTypeF32)
	assert.Error(t, err)
}
