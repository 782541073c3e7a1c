package serverless

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/perplex/internal/logger"
)

// Job states reported by the local API, named as the platform names them.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// maxRequestBody bounds /runsync request bodies.
const maxRequestBody = 8 << 20

// Server exposes a Handler over HTTP the way the platform's local test API
// does, so the worker can be exercised without the platform.
type Server struct {
	handler JobHandler
}

func NewServer(handler JobHandler) *Server {
	return &Server{handler: handler}
}

type runRequest struct {
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input"`
}

type runResponse struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Output *Output `json:"output,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/runsync", s.handleRunSync)
	e.POST("/run", s.handleRunSync)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", handleMetrics)
}

func (s *Server) handleRunSync(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "request body must be a JSON object with an input field"})
	}
	if req.ID == "" {
		req.ID = "sync-" + uuid.NewString()
	}

	ctx := c.Request().Context()
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).With("job", req.ID))
	out := s.handler.Handle(ctx, Job{ID: req.ID, Input: req.Input})

	resp := runResponse{ID: req.ID, Status: StatusCompleted, Output: &out}
	if out.Failed() {
		resp = runResponse{ID: req.ID, Status: StatusFailed, Error: out.Error}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

var metricsHandler = promhttp.Handler()

func handleMetrics(c *echo.Context) error {
	metricsHandler.ServeHTTP(c.Response(), c.Request())
	return nil
}
