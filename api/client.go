// Package api implements the client-side API for code wishing to interact
// with the vidgen service.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/ollama/vidgen/envconfig"
	"github.com/ollama/vidgen/version"
)

// Client encapsulates client state for interacting with the vidgen
// service. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{base: base, http: http}
}

// ClientFromEnvironment creates a new [Client] using configuration from the
// environment variable VIDGEN_HOST.
func ClientFromEnvironment() (*Client, error) {
	return NewClient(&url.URL{Scheme: "http", Host: envconfig.Host}, http.DefaultClient), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, reqData any) (*http.Request, error) {
	var body io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return nil, err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("vidgen/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))
	return request, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	request, err := c.newRequest(ctx, method, path, reqData)
	if err != nil {
		return err
	}

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if respObj.StatusCode >= http.StatusBadRequest {
		return statusError(respObj, respBody)
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return err
		}
	}

	return nil
}

const maxBufferSize = 64 << 20

func (c *Client) stream(ctx context.Context, method, path string, data any, fn func([]byte) error) error {
	request, err := c.newRequest(ctx, method, path, data)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/x-ndjson")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}
		return statusError(response, body)
	}

	scanner := bufio.NewScanner(response.Body)
	// final responses carry every frame
	scanner.Buffer(make([]byte, 0, 512*1024), maxBufferSize)
	for scanner.Scan() {
		var errorResponse struct {
			Error string `json:"error,omitempty"`
		}

		bts := scanner.Bytes()
		if err := json.Unmarshal(bts, &errorResponse); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}

		if errorResponse.Error != "" {
			return errors.New(errorResponse.Error)
		}

		if err := fn(bts); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// GenerateResponseFunc is called for each response of a generation.
type GenerateResponseFunc func(GenerateResponse) error

// Generate starts a generation and calls fn with every progress update and
// with the final frames.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, fn GenerateResponseFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/generate", req, func(bts []byte) error {
		var resp GenerateResponse
		if err := json.Unmarshal(bts, &resp); err != nil {
			return err
		}

		return fn(resp)
	})
}

// SetScheduler switches the scheduler of the running model.
func (c *Client) SetScheduler(ctx context.Context, req *SchedulerRequest) (*SchedulerResponse, error) {
	var resp SchedulerResponse
	if err := c.do(ctx, http.MethodPost, "/api/scheduler", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Schedulers returns the current scheduler and every supported one.
func (c *Client) Schedulers(ctx context.Context) (*SchedulerResponse, error) {
	var resp SchedulerResponse
	if err := c.do(ctx, http.MethodGet, "/api/schedulers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Show describes the model the server has loaded.
func (c *Client) Show(ctx context.Context) (*ShowResponse, error) {
	var resp ShowResponse
	if err := c.do(ctx, http.MethodGet, "/api/show", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the version of the server.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Heartbeat checks if the server has started and is responsive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}
