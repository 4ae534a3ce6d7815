// Package pmap runs one function per device over shards of a batch and
// gathers the results in device order.
package pmap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/vidgen/discover"
	"github.com/ollama/vidgen/format"
	"github.com/ollama/vidgen/logutil"
	"github.com/ollama/vidgen/types/errtypes"
)

// Replicate returns n copies of v made with clone, one per device.
func Replicate[T any](v T, n int, clone func(T) T) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = clone(v)
	}
	return out
}

// Shard splits s into n contiguous parts of equal length. Part i holds
// s[i*len(s)/n : (i+1)*len(s)/n].
func Shard[S ~[]E, E any](s S, n int) ([]S, error) {
	if n <= 0 {
		return nil, errtypes.InvalidArgument("devices", "must be greater than zero, got %d", n)
	}

	if len(s)%n != 0 {
		return nil, errtypes.InvalidArgument("batch", "size %d is not divisible by the number of devices %d", len(s), n)
	}

	size := len(s) / n
	parts := make([]S, n)
	for i := range parts {
		parts[i] = s[i*size : (i+1)*size : (i+1)*size]
	}
	return parts, nil
}

// Gather concatenates per-device results in device order.
func Gather[S ~[]E, E any](parts []S) S {
	var n int
	for _, p := range parts {
		n += len(p)
	}

	out := make(S, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Run calls fn once per device, concurrently, with the device's position in
// devices, and returns the results in that order. The first error cancels the context passed to the other
// calls and is returned once all of them have finished; no results are
// returned in that case.
func Run[T any](ctx context.Context, devices []discover.DeviceInfo, fn func(ctx context.Context, i int, d discover.DeviceInfo) (T, error)) ([]T, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("pmap: no devices")
	}

	results := make([]T, len(devices))
	g, ctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		g.Go(func() error {
			start := time.Now()
			logutil.TraceContext(ctx, "device started", "device", d)

			r, err := fn(ctx, i, d)
			if err != nil {
				slog.Debug("device failed", "device", d.String(), "error", err)
				return fmt.Errorf("device %s: %w", d, err)
			}

			results[i] = r
			logutil.TraceContext(ctx, "device finished", "device", d, "duration", format.HumanDuration(time.Since(start)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
