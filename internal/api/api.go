// Package api exposes the producer HTTP interface: posts submitted over HTTP
// are validated and published to Kafka.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/batchsink/internal/metrics"
	"github.com/loykin/batchsink/internal/record"
)

const healthText = "Post Producer Service is running"

// Publisher writes a record to the message bus.
type Publisher interface {
	Publish(ctx context.Context, r record.Record) error
}

type createPostRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type messageResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NewRouter builds the gin engine serving the producer routes.
func NewRouter(pub Publisher) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, healthText)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/createPost", createPost(pub))
	return r
}

func createPost(pub Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPostRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.PostPublished("invalid")
			c.JSON(http.StatusBadRequest, messageResponse{Message: "Invalid request body", Error: err.Error()})
			return
		}
		rec, err := record.New(req.Title, req.Content)
		if err != nil {
			metrics.PostPublished("invalid")
			c.JSON(http.StatusBadRequest, messageResponse{Message: "Invalid post", Error: err.Error()})
			return
		}

		if err := pub.Publish(c.Request.Context(), rec); err != nil {
			slog.Error("error publishing post", "title", rec.Title, "error", err)
			metrics.PostPublished("error")
			c.JSON(http.StatusInternalServerError, messageResponse{Message: "Failed to publish post"})
			return
		}
		metrics.PostPublished("ok")
		c.JSON(http.StatusCreated, messageResponse{Message: "Post published successfully"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Server runs the producer router on a TCP listener.
type Server struct {
	server *http.Server
	addr   string
}

// Start binds addr and serves the router in the background.
func Start(addr string, pub Publisher) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           NewRouter(pub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "error", err)
		}
	}()
	slog.Info("producer api listening", "addr", ln.Addr().String())
	return &Server{server: srv, addr: ln.Addr().String()}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s == nil || s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
