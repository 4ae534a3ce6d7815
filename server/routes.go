// Package server exposes a loaded pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/vidgen/api"
	"github.com/ollama/vidgen/envconfig"
	"github.com/ollama/vidgen/format"
	"github.com/ollama/vidgen/pipeline"
	"github.com/ollama/vidgen/scheduler"
	"github.com/ollama/vidgen/types/errtypes"
	"github.com/ollama/vidgen/version"
)

const requestIDHeader = "X-Request-Id"

type Server struct {
	addr     net.Addr
	pipeline *pipeline.Pipeline

	// sem admits one generation at a time; further requests wait for it
	// or for their context to end.
	sem *semaphore.Weighted
}

func NewServer(p *pipeline.Pipeline) *Server {
	return &Server{pipeline: p, sem: semaphore.NewWeighted(1)}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
		requestIDHeader,
	}
	corsConfig.ExposeHeaders = []string{requestIDHeader}
	corsConfig.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		requestID(),
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "vidgen is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "vidgen is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })

	r.POST("/api/generate", s.GenerateHandler)
	r.POST("/api/scheduler", s.SchedulerHandler)
	r.GET("/api/schedulers", s.ListSchedulersHandler)
	r.GET("/api/show", s.ShowHandler)

	return r
}

// statusCode maps a pipeline error to an HTTP status.
func statusCode(err error) int {
	var invalid *errtypes.InvalidArgumentError
	var unsupported *errtypes.UnsupportedError
	switch {
	case errors.As(err, &invalid), errors.As(err, &unsupported):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func schedulerResponse(current scheduler.Kind) api.SchedulerResponse {
	resp := api.SchedulerResponse{Scheduler: current.String()}
	for _, k := range scheduler.Kinds() {
		resp.Available = append(resp.Available, k.String())
	}
	return resp
}

func (s *Server) SchedulerHandler(c *gin.Context) {
	var req api.SchedulerRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := scheduler.ParseKind(req.Scheduler)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.pipeline.SetScheduler(kind); err != nil {
		c.AbortWithStatusJSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}

	slog.Info("scheduler changed", "scheduler", kind, "request_id", c.GetString("request_id"))
	c.JSON(http.StatusOK, schedulerResponse(kind))
}

func (s *Server) ListSchedulersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, schedulerResponse(s.pipeline.Scheduler()))
}

func (s *Server) ShowHandler(c *gin.Context) {
	m := s.pipeline.Model()

	resp := api.ShowResponse{
		Path:           m.Path,
		DType:          m.DType.String(),
		UNet:           m.UNet.Config().ClassName,
		VAE:            m.VAE.Config().ClassName,
		Size:           m.Params.Bytes(m.DType),
		VAEScaleFactor: s.pipeline.VAEScaleFactor(),
		Scheduler:      s.pipeline.Scheduler().String(),
		LowVRAM:        s.pipeline.LowVRAM(),
	}

	if archs := m.TextEncoder.Config().Architectures; len(archs) > 0 {
		resp.TextEncoder = archs[0]
	}

	for _, w := range m.Params {
		resp.Parameters += w.NumParams()
	}

	for _, d := range s.pipeline.Devices() {
		resp.Devices = append(resp.Devices, api.Device{Index: d.Index, Library: d.Library, ID: d.ID, Threads: d.Threads})
	}

	c.JSON(http.StatusOK, resp)
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			if e, ok := h["error"].(string); ok {
				status, ok := h["status"].(int)
				if !ok {
					status = http.StatusInternalServerError
				}

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.JSON(status, gin.H{"error": e})
				} else {
					if err := json.NewEncoder(c.Writer).Encode(gin.H{"error": e}); err != nil {
						slog.Error("streamResponse failed to encode json error", "error", err)
					}
				}

				return false
			}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}

func Serve(ln net.Listener, p *pipeline.Pipeline) error {
	slog.Info("server config", "env", envconfig.Values())

	s := NewServer(p)
	s.addr = ln.Addr()

	srvr := &http.Server{
		Handler:           s.GenerateRoutes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version), "model", p.Model().Path, "size", format.HumanBytes(p.Model().Params.Bytes(p.DType())))
	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
