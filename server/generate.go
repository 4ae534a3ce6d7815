package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ollama/vidgen/api"
	"github.com/ollama/vidgen/imageproc"
	"github.com/ollama/vidgen/pipeline"
	"github.com/ollama/vidgen/types/errtypes"
)

func decodeImages(arg string, data []api.ImageData) ([]image.Image, error) {
	imgs := make([]image.Image, len(data))
	for i, d := range data {
		img, err := imageproc.Decode(bytes.NewReader(d))
		if err != nil {
			return nil, errtypes.InvalidArgument(arg, "image %d: %v", i, err)
		}
		imgs[i] = img
	}
	return imgs, nil
}

// pipelineRequest converts an API request into a pipeline request. Unset
// options keep the pipeline defaults.
func pipelineRequest(req api.GenerateRequest) (pipeline.Request, error) {
	r := pipeline.DefaultRequest()
	r.Prompts = req.Prompt
	r.NegativePrompts = req.NegativePrompt
	r.Steps = api.DefaultSteps

	var err error
	if r.Hints, err = decodeImages("hint", req.Hint); err != nil {
		return r, err
	}

	if r.Masks, err = decodeImages("mask", req.Mask); err != nil {
		return r, err
	}

	if o := req.Options; o != nil {
		set(&r.Steps, o.Steps)
		set(&r.GuidanceScale, o.GuidanceScale)
		set(&r.Frames, o.Frames)
		set(&r.Width, o.Width)
		set(&r.Height, o.Height)
		r.Seed = o.Seed
	}

	return r, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func encodeFrames(imgs []image.Image) ([]api.ImageData, error) {
	frames := make([]api.ImageData, len(imgs))
	for i, img := range imgs {
		var buf bytes.Buffer
		if err := imageproc.EncodePNG(&buf, img); err != nil {
			return nil, err
		}
		frames[i] = buf.Bytes()
	}
	return frames, nil
}

func (s *Server) GenerateHandler(c *gin.Context) {
	checkpointStart := time.Now()

	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := pipelineRequest(req)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.GetString("request_id")
	if id == "" {
		id = uuid.NewString()
	}
	name := filepath.Base(s.pipeline.Model().Path)

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		c.AbortWithStatusJSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}

	ch := make(chan any)
	go func() {
		defer close(ch)
		defer s.sem.Release(1)

		ctx := c.Request.Context()
		send := func(v any) bool {
			select {
			case ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if req.Stream == nil || *req.Stream {
			r.Progress = func(step, total int) {
				send(api.GenerateResponse{
					ID:        id,
					Model:     name,
					CreatedAt: time.Now().UTC(),
					Step:      step,
					Total:     total,
				})
			}
		}

		imgs, err := s.pipeline.Generate(ctx, r)
		if err != nil {
			slog.Info("generate failed", "request_id", id, "error", err)
			send(gin.H{"error": err.Error(), "status": statusCode(err)})
			return
		}

		frames, err := encodeFrames(imgs)
		if err != nil {
			send(gin.H{"error": fmt.Sprintf("encode frames: %v", err), "status": http.StatusInternalServerError})
			return
		}

		send(api.GenerateResponse{
			ID:            id,
			Model:         name,
			CreatedAt:     time.Now().UTC(),
			Total:         r.Steps,
			Frames:        frames,
			Done:          true,
			TotalDuration: time.Since(checkpointStart),
		})
	}()

	if req.Stream != nil && !*req.Stream {
		waitForResponse(c, ch)
		return
	}

	streamResponse(c, ch)
}

// waitForResponse writes the final value of ch as a single JSON document.
func waitForResponse(c *gin.Context, ch chan any) {
	var last any
	for v := range ch {
		last = v
	}

	switch v := last.(type) {
	case api.GenerateResponse:
		c.JSON(http.StatusOK, v)
	case gin.H:
		status, ok := v["status"].(int)
		if !ok {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": v["error"]})
	default:
		// the client went away before anything was produced
		if err := context.Cause(c.Request.Context()); err != nil {
			slog.Debug("generate abandoned", "error", err)
		}
		c.Status(http.StatusServiceUnavailable)
	}
}
