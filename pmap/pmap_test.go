package pmap

import (
	"context"
	"errors"
	"maps"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/vidgen/discover"
	"github.com/ollama/vidgen/types/errtypes"
)

func TestShard(t *testing.T) {
	parts, err := Shard([]int{0, 1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5}}, parts)

	// appending to a part does not clobber its neighbour
	parts[0] = append(parts[0], 9)
	assert.Equal(t, []int{2, 3}, parts[1])

	var invalid *errtypes.InvalidArgumentError
	_, err = Shard([]int{0, 1, 2}, 2)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "batch", invalid.Arg)

	_, err = Shard([]int{0}, 0)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "devices", invalid.Arg)
}

func TestGather(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Gather([][]string{{"a"}, {}, {"b", "c"}}))
	assert.Empty(t, Gather[[]int](nil))
}

func TestReplicate(t *testing.T) {
	src := map[string]int{"a": 1}
	copies := Replicate(src, 2, maps.Clone)
	require.Len(t, copies, 2)

	copies[0]["a"] = 2
	assert.Equal(t, 1, src["a"])
	assert.Equal(t, 1, copies[1]["a"])
}

func TestRun(t *testing.T) {
	devices := discover.CPUDevices(4)

	results, err := Run(t.Context(), devices, func(_ context.Context, _ int, d discover.DeviceInfo) (int, error) {
		return d.Index * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 10, 20, 30}, results)

	// positions do not depend on device indexes
	devices = []discover.DeviceInfo{{Index: 7}, {Index: 3}}
	results, err = Run(t.Context(), devices, func(_ context.Context, i int, d discover.DeviceInfo) (int, error) {
		return i*100 + d.Index, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 103}, results)
}

func TestRunError(t *testing.T) {
	devices := discover.CPUDevices(3)
	boom := errors.New("boom")

	var cancelled atomic.Int32
	results, err := Run(t.Context(), devices, func(ctx context.Context, _ int, d discover.DeviceInfo) (int, error) {
		if d.Index == 1 {
			return 0, boom
		}

		<-ctx.Done()
		cancelled.Add(1)
		return d.Index, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, results)
	assert.Equal(t, int32(2), cancelled.Load())

	_, err = Run(t.Context(), nil, func(context.Context, int, discover.DeviceInfo) (int, error) { return 0, nil })
	assert.Error(t, err)
}
