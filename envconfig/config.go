package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via VIDGEN_ORIGINS in the environment
	AllowOrigins []string
	// Set via VIDGEN_DEBUG in the environment
	Debug bool
	// Set via VIDGEN_DEBUG=2 in the environment
	Trace bool
	// Set via VIDGEN_DTYPE in the environment
	DType string
	// Set via VIDGEN_HOST in the environment
	Host string
	// Set via VIDGEN_LOW_VRAM in the environment
	LowVRAM bool
	// Set via VIDGEN_MODELS in the environment
	Models string
	// Set via VIDGEN_NUM_DEVICES in the environment
	NumDevices int
	// Set via VIDGEN_SCHEDULER in the environment
	Scheduler string
)

const defaultPort = "11435"

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VIDGEN_DEBUG":       {"VIDGEN_DEBUG", Debug, "Show additional debug information (e.g. VIDGEN_DEBUG=1, 2 for trace)"},
		"VIDGEN_DTYPE":       {"VIDGEN_DTYPE", DType, "Storage dtype for model weights: float32, float16 or bfloat16 (default float16)"},
		"VIDGEN_HOST":        {"VIDGEN_HOST", Host, "IP Address for the vidgen server (default 127.0.0.1:11435)"},
		"VIDGEN_LOW_VRAM":    {"VIDGEN_LOW_VRAM", LowVRAM, "Decode one frame at a time (default true)"},
		"VIDGEN_MODELS":      {"VIDGEN_MODELS", Models, "The path to the model directory"},
		"VIDGEN_NUM_DEVICES": {"VIDGEN_NUM_DEVICES", NumDevices, "Number of compute devices to shard a batch over (default 1)"},
		"VIDGEN_ORIGINS":     {"VIDGEN_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"VIDGEN_SCHEDULER":   {"VIDGEN_SCHEDULER", Scheduler, "Sampling scheduler (default ddim)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := clean("VIDGEN_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n > 0
			Trace = n > 1
		} else if b, err := strconv.ParseBool(debug); err == nil {
			Debug = b
		} else {
			Debug = true
		}
	}

	DType = "float16"
	if dtype := clean("VIDGEN_DTYPE"); dtype != "" {
		DType = dtype
	}

	Host = hostport(clean("VIDGEN_HOST"))

	LowVRAM = true
	if lowvram := clean("VIDGEN_LOW_VRAM"); lowvram != "" {
		b, err := strconv.ParseBool(lowvram)
		if err != nil {
			slog.Error("invalid setting, ignoring", "VIDGEN_LOW_VRAM", lowvram, "error", err)
		} else {
			LowVRAM = b
		}
	}

	Models = clean("VIDGEN_MODELS")

	NumDevices = 1
	if n := clean("VIDGEN_NUM_DEVICES"); n != "" {
		val, err := strconv.Atoi(n)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "VIDGEN_NUM_DEVICES", n, "error", err)
		} else {
			NumDevices = val
		}
	}

	Scheduler = "ddim"
	if s := clean("VIDGEN_SCHEDULER"); s != "" {
		Scheduler = s
	}

	AllowOrigins = nil
	if origins := clean("VIDGEN_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

// hostport normalizes VIDGEN_HOST into host:port, filling in the loopback
// address and the default port where they are missing.
func hostport(s string) string {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")
	s = strings.Trim(s, "\"' /")

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		} else if s != "" {
			host = s
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return net.JoinHostPort(host, port)
}
