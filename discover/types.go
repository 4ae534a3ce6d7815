// Package discover enumerates the compute devices a generation is sharded
// over.
package discover

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/ollama/vidgen/envconfig"
	"github.com/ollama/vidgen/format"
)

type DeviceInfo struct {
	// Index is the position of the device in the shard order. Device i
	// seeds its noise with seed+i.
	Index int `json:"index"`

	Library string `json:"library"`
	ID      string `json:"id"`
	Name    string `json:"name"`

	// Threads is the number of goroutines the device may keep busy.
	Threads int `json:"threads"`

	TotalMemory uint64 `json:"total_memory,omitempty"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s:%s", d.Library, d.ID)
}

func (d DeviceInfo) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("index", d.Index),
		slog.String("library", d.Library),
		slog.String("id", d.ID),
		slog.Int("threads", d.Threads),
	}

	if d.TotalMemory > 0 {
		attrs = append(attrs, slog.String("total", format.HumanBytes(int64(d.TotalMemory))))
	}

	return slog.GroupValue(attrs...)
}

// Devices returns the devices configured by VIDGEN_NUM_DEVICES.
func Devices() []DeviceInfo {
	return CPUDevices(envconfig.NumDevices)
}

// CPUDevices splits the host into n logical devices sharing its hardware
// threads. n below one is treated as one.
func CPUDevices(n int) []DeviceInfo {
	n = max(n, 1)
	threads := max(runtime.NumCPU()/n, 1)
	total := systemMemory()

	devices := make([]DeviceInfo, n)
	for i := range devices {
		devices[i] = DeviceInfo{
			Index:       i,
			Library:     "cpu",
			ID:          fmt.Sprint(i),
			Name:        runtime.GOARCH,
			Threads:     threads,
			TotalMemory: total / uint64(n),
		}
	}

	slog.Debug("discovered devices", "count", n, "threads", threads)
	return devices
}
