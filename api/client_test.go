package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/vidgen/envconfig"
)

func TestClientFromEnvironment(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect string
	}{
		"empty":             {value: "", expect: "http://127.0.0.1:11435"},
		"only address":      {value: "1.2.3.4", expect: "http://1.2.3.4:11435"},
		"only port":         {value: ":1234", expect: "http://:1234"},
		"address and port":  {value: "1.2.3.4:1234", expect: "http://1.2.3.4:1234"},
		"scheme http":       {value: "http://1.2.3.4", expect: "http://1.2.3.4:11435"},
		"hostname":          {value: "example.com", expect: "http://example.com:11435"},
		"hostname and port": {value: "example.com:1234", expect: "http://example.com:1234"},
		"trailing slash":    {value: "example.com/", expect: "http://example.com:11435"},
		"ipv6":              {value: "[::1]:1234", expect: "http://[::1]:1234"},
	}

	t.Cleanup(envconfig.LoadConfig)
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("VIDGEN_HOST", tt.value)
			envconfig.LoadConfig()

			client, err := ClientFromEnvironment()
			require.NoError(t, err)
			assert.Equal(t, tt.expect, client.base.String())
		})
	}
}

// ndjsonServer replays lines as an ndjson stream with the given status.
func ndjsonServer(t *testing.T, status int, lines ...any) *Client {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
		assert.Contains(t, r.Header.Get("User-Agent"), "vidgen/")

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(status)

		enc := json.NewEncoder(w)
		for _, line := range lines {
			assert.NoError(t, enc.Encode(line))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(ts.Close)

	return NewClient(&url.URL{Scheme: "http", Host: ts.Listener.Addr().String()}, ts.Client())
}

func TestClientGenerate(t *testing.T) {
	client := ndjsonServer(t, http.StatusOK,
		GenerateResponse{ID: "a", Step: 1, Total: 2},
		GenerateResponse{ID: "a", Step: 2, Total: 2},
		GenerateResponse{ID: "a", Frames: []ImageData{[]byte("png")}, Done: true},
	)

	var chunks []GenerateResponse
	err := client.Generate(t.Context(), &GenerateRequest{Prompt: StringList{"a cat"}}, func(resp GenerateResponse) error {
		chunks = append(chunks, resp)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{1, 2, 0}, []int{chunks[0].Step, chunks[1].Step, chunks[2].Step})

	last := chunks[2]
	assert.True(t, last.Done)
	assert.Equal(t, []ImageData{[]byte("png")}, last.Frames)
}

func TestClientGenerateErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		client := ndjsonServer(t, http.StatusBadRequest, map[string]string{"error": "invalid width: must be a multiple of 32"})

		err := client.Generate(t.Context(), &GenerateRequest{}, func(GenerateResponse) error {
			t.Fatal("callback should not run")
			return nil
		})

		var statusErr StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
		assert.Equal(t, "invalid width: must be a multiple of 32", statusErr.ErrorMessage)
		assert.True(t, IsStatus(err, http.StatusBadRequest))
	})

	t.Run("mid stream", func(t *testing.T) {
		client := ndjsonServer(t, http.StatusOK,
			GenerateResponse{Step: 1, Total: 3},
			map[string]string{"error": "step 1: shape mismatch"},
		)

		var steps int
		err := client.Generate(t.Context(), &GenerateRequest{}, func(GenerateResponse) error {
			steps++
			return nil
		})
		require.EqualError(t, err, "step 1: shape mismatch")
		assert.Equal(t, 1, steps)
		assert.False(t, IsStatus(err, http.StatusBadRequest))
	})
}

func TestClientDo(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "ok", status: http.StatusOK, body: `{"scheduler":"pndm","available":["ddim","pndm"]}`},
		{name: "json error", status: http.StatusBadRequest, body: `{"error":"unsupported scheduler \"euler\""}`, wantErr: `400 Bad Request: unsupported scheduler "euler"`},
		{name: "plain error", status: http.StatusBadGateway, body: "upstream down\n", wantErr: "502 Bad Gateway: upstream down"},
		{name: "empty error", status: http.StatusInternalServerError, wantErr: "500 Internal Server Error"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/scheduler", r.URL.Path)

				var req SchedulerRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "pndm", req.Scheduler)

				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			client := NewClient(&url.URL{Scheme: "http", Host: ts.Listener.Addr().String()}, ts.Client())
			resp, err := client.SetScheduler(t.Context(), &SchedulerRequest{Scheduler: "pndm"})
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				assert.True(t, IsStatus(err, tt.status))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, &SchedulerResponse{Scheduler: "pndm", Available: []string{"ddim", "pndm"}}, resp)
		})
	}
}

func TestStatusError(t *testing.T) {
	assert.Equal(t, "server returned status 503, see the vidgen server logs for details", StatusError{StatusCode: 503}.Error())
	assert.Equal(t, "boom", StatusError{ErrorMessage: "boom"}.Error())
}
