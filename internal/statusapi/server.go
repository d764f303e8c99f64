// Package statusapi serves the daemon's local HTTP status API.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"commitrelay/internal/dispatcher"
	"commitrelay/internal/health"
	"commitrelay/internal/journal"
	"commitrelay/internal/logging"
	"commitrelay/internal/queue"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = "127.0.0.1:7878"

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
	shutdownTimeout     = 5 * time.Second
)

// Pipeline is the dispatcher surface exposed over HTTP.
type Pipeline interface {
	Status() dispatcher.Status
	DrainNow(ctx context.Context) (int, error)
}

// Queue is the retry queue surface exposed over HTTP.
type Queue interface {
	Items() []queue.Item
	Remove(id string) (bool, error)
	Purge() (int, error)
}

// Journal is the read side of the delivery journal.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Counts(ctx context.Context) (map[journal.Outcome]int, error)
}

// Options configures a Server. Journal and Metrics may be nil.
type Options struct {
	Address  string
	Version  string
	Pipeline Pipeline
	Queue    Queue
	Journal  Journal
	Health   *health.Checker
	Metrics  http.Handler
	Logger   *logging.Logger
}

// Server is the status API.
type Server struct {
	opts   Options
	logger *logging.Logger
	engine *gin.Engine
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.WithComponent("statusapi"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.liveness)
	engine.GET("/readyz", s.readiness)
	engine.GET("/status", s.status)
	engine.GET("/queue", s.listQueue)
	engine.DELETE("/queue", s.purgeQueue)
	engine.DELETE("/queue/:id", s.removeItem)
	engine.POST("/queue/drain", s.drain)
	engine.GET("/journal", s.journalEntries)
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Address returns the listen address.
func (s *Server) Address() string {
	return s.opts.Address
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("status API listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status API shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readiness(c *gin.Context) {
	if s.opts.Health == nil || !s.opts.Health.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version  string            `json:"version,omitempty"`
	Pipeline dispatcher.Status `json:"pipeline"`
	Health   *health.Report    `json:"health,omitempty"`
}

func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{
		Version:  s.opts.Version,
		Pipeline: s.opts.Pipeline.Status(),
	}

	code := http.StatusOK
	if s.opts.Health != nil {
		report := s.opts.Health.Report(c.Request.Context())
		resp.Health = &report
		if report.Status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

// QueueResponse is the body of GET /queue.
type QueueResponse struct {
	Count int          `json:"count"`
	Items []queue.Item `json:"items"`
}

func (s *Server) listQueue(c *gin.Context) {
	items := s.opts.Queue.Items()
	if items == nil {
		items = []queue.Item{}
	}
	c.JSON(http.StatusOK, QueueResponse{Count: len(items), Items: items})
}

func (s *Server) purgeQueue(c *gin.Context) {
	n, err := s.opts.Queue.Purge()
	if err != nil {
		s.logger.Error("queue purge failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "purged": n})
		return
	}
	s.logger.Warn("retry queue purged over status API", "items", n)
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (s *Server) removeItem(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.opts.Queue.Remove(id)
	switch {
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": "no queued item " + id})
	default:
		c.JSON(http.StatusOK, gin.H{"removed": id})
	}
}

// DrainResponse is the body of POST /queue/drain.
type DrainResponse struct {
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) drain(c *gin.Context) {
	n, err := s.opts.Pipeline.DrainNow(c.Request.Context())

	code := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, dispatcher.ErrServiceUnavailable):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusBadGateway
	}

	resp := DrainResponse{Delivered: n}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(code, resp)
}

// JournalResponse is the body of GET /journal.
type JournalResponse struct {
	Counts  map[journal.Outcome]int `json:"counts"`
	Entries []journal.Entry         `json:"entries"`
}

func (s *Server) journalEntries(c *gin.Context) {
	if s.opts.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	limit := defaultJournalLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxJournalLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("limit must be an integer between 1 and %d", maxJournalLimit),
			})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	entries, err := s.opts.Journal.Recent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.opts.Journal.Counts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, JournalResponse{Counts: counts, Entries: entries})
}
