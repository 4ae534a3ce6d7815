package envconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Setenv("VIDGEN_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("VIDGEN_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("VIDGEN_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	require.False(t, Trace)
	t.Setenv("VIDGEN_DEBUG", "2")
	LoadConfig()
	require.True(t, Debug)
	require.True(t, Trace)
}

func TestDefaults(t *testing.T) {
	for _, k := range []string{"VIDGEN_DTYPE", "VIDGEN_LOW_VRAM", "VIDGEN_NUM_DEVICES", "VIDGEN_SCHEDULER", "VIDGEN_MODELS"} {
		t.Setenv(k, "")
	}
	LoadConfig()

	assert.Equal(t, "float16", DType)
	assert.True(t, LowVRAM)
	assert.Equal(t, 1, NumDevices)
	assert.Equal(t, "ddim", Scheduler)
	assert.Empty(t, Models)
}

func TestOverrides(t *testing.T) {
	t.Setenv("VIDGEN_DTYPE", "'bfloat16'")
	t.Setenv("VIDGEN_LOW_VRAM", "false")
	t.Setenv("VIDGEN_NUM_DEVICES", "4")
	t.Setenv("VIDGEN_SCHEDULER", " pndm ")
	t.Setenv("VIDGEN_MODELS", "/models/video")
	LoadConfig()

	assert.Equal(t, "bfloat16", DType)
	assert.False(t, LowVRAM)
	assert.Equal(t, 4, NumDevices)
	assert.Equal(t, "pndm", Scheduler)
	assert.Equal(t, "/models/video", Models)
}

func TestNumDevicesInvalid(t *testing.T) {
	for _, v := range []string{"0", "-2", "many"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("VIDGEN_NUM_DEVICES", v)
			LoadConfig()
			assert.Equal(t, 1, NumDevices)
		})
	}
}

func TestHost(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect string
	}{
		"empty":              {value: "", expect: "127.0.0.1:11435"},
		"only address":       {value: "1.2.3.4", expect: "1.2.3.4:11435"},
		"only port":          {value: ":1234", expect: ":1234"},
		"address and port":   {value: "1.2.3.4:1234", expect: "1.2.3.4:1234"},
		"hostname":           {value: "example.com", expect: "example.com:11435"},
		"hostname and port":  {value: "example.com:1234", expect: "example.com:1234"},
		"scheme":             {value: "http://example.com:1234", expect: "example.com:1234"},
		"too large port":     {value: ":66000", expect: ":11435"},
		"ipv6 localhost":     {value: "[::1]", expect: "[::1]:11435"},
		"ipv6 no brackets":   {value: "::1", expect: "[::1]:11435"},
		"ipv6 + port":        {value: "[::1]:1337", expect: "[::1]:1337"},
		"extra space":        {value: " 1.2.3.4 ", expect: "1.2.3.4:11435"},
		"extra space+quotes": {value: " \" 1.2.3.4 \" ", expect: "1.2.3.4:11435"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("VIDGEN_HOST", tt.value)
			LoadConfig()
			assert.Equal(t, tt.expect, Host)
		})
	}
}

func TestOrigins(t *testing.T) {
	t.Setenv("VIDGEN_ORIGINS", "http://example.com,app://*")
	LoadConfig()

	require.GreaterOrEqual(t, len(AllowOrigins), 2)
	assert.Equal(t, []string{"http://example.com", "app://*"}, AllowOrigins[:2])
	assert.Contains(t, AllowOrigins, "http://localhost:*")
}

func TestValues(t *testing.T) {
	t.Setenv("VIDGEN_NUM_DEVICES", "2")
	LoadConfig()

	vals := Values()
	assert.Equal(t, "2", vals["VIDGEN_NUM_DEVICES"])
	assert.Len(t, vals, len(AsMap()))
}
