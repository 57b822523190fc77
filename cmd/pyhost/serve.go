package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caffeineduck/pyhost/proxy"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for code execution sessions",
	Long: `Start an HTTP server exposing isolate sessions.

Endpoints:
  POST   /sessions                     Create session, returns {"session_id":"..."}
  DELETE /sessions/:id                 Destroy session
  POST   /sessions/:id/run             Run code (SSE when "stream": true)
  POST   /sessions/:id/reset           Replace the isolate
  GET    /sessions/:id/files           List files (?dir=)
  PUT    /sessions/:id/files/*path     Write file (request body)
  GET    /sessions/:id/files/*path     Read file
  DELETE /sessions/:id/files/*path     Delete file
  POST   /sessions/:id/install         Install packages
  POST   /sessions/:id/snapshot        Snapshot interpreter globals
  POST   /sessions/:id/restore         Restore a snapshot
  GET    /health                       Health check
  GET    /metrics                      Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
	serveCmd.Flags().Duration("session-ttl", 0, "Idle session lifetime (default from config)")
	rootCmd.AddCommand(serveCmd)
}

const reapInterval = time.Minute

func runServe(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	h, err := newHost(cmd, os.Stderr, reg)
	if err != nil {
		return err
	}
	defer h.Close()

	addr := h.cfg.Server.Addr
	if cmd.Flags().Changed("addr") {
		addr, _ = cmd.Flags().GetString("addr")
	}
	ttl := h.cfg.Server.SessionTTL.Duration
	if cmd.Flags().Changed("session-ttl") {
		ttl, _ = cmd.Flags().GetDuration("session-ttl")
	}

	sessions := newSessionManager(h.newProxy, ttl, h.cfg.Server.MaxSessions, h.metrics, h.log.Named("sessions"))
	go sessions.cleanup(reapInterval)
	defer sessions.closeAll(context.Background())

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    addr,
		Handler: newServer(sessions, h.cfg.Isolate.RunTimeout.Duration, reg, h.log.Named("http")).routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("pyhost server listening", zap.String("addr", addr), zap.String("transport", h.cfg.Isolate.Transport))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	h.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type server struct {
	sessions   *sessionManager
	runTimeout time.Duration
	gatherer   prometheus.Gatherer
	log        *zap.Logger
}

func newServer(sessions *sessionManager, runTimeout time.Duration, gatherer prometheus.Gatherer, log *zap.Logger) *server {
	return &server{sessions: sessions, runTimeout: runTimeout, gatherer: gatherer, log: log}
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	r.POST("/sessions", s.createSession)
	sess := r.Group("/sessions/:id")
	sess.DELETE("", s.deleteSession)
	sess.POST("/run", s.run)
	sess.POST("/reset", s.reset)
	sess.GET("/files", s.listFiles)
	sess.PUT("/files/*path", s.writeFile)
	sess.GET("/files/*path", s.readFile)
	sess.DELETE("/files/*path", s.deleteFile)
	sess.POST("/install", s.install)
	sess.POST("/snapshot", s.snapshot)
	sess.POST("/restore", s.restore)
	return r
}

// logRequests logs one line per request: method path - status (latency).
func (s *server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// proxyFor resolves :id or writes a 404.
func (s *server) proxyFor(c *gin.Context) (*proxy.Proxy, bool) {
	p, ok := s.sessions.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	}
	return p, ok
}

// writeError maps proxy errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		initErr *proxy.InitializationError
		callErr *proxy.CallError
	)
	status := http.StatusInternalServerError
	switch {
	case proxy.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &callErr):
		status = http.StatusBadRequest
	case errors.Is(err, errTooManySessions):
		status = http.StatusTooManyRequests
	case errors.As(err, &initErr),
		errors.Is(err, proxy.ErrChannelClosed),
		errors.Is(err, proxy.ErrChannelReplaced),
		errors.Is(err, proxy.ErrDestroyed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
}

func (s *server) createSession(c *gin.Context) {
	id, p, err := s.sessions.create(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{SessionID: id, Backend: p.Backend()})
}

func (s *server) deleteSession(c *gin.Context) {
	if !s.sessions.close(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) reset(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	if err := p.Reset(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type runRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
}

func (s *server) run(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	timeout := s.runTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = d
	}

	if !req.Stream && c.Query("stream") != "true" {
		c.JSON(http.StatusOK, p.Run(c.Request.Context(), req.Code, proxy.WithTimeout(timeout)))
		return
	}
	s.streamRun(c, p, req.Code, timeout)
}

// streamRun sends stdout chunks as "output" events and the final result as
// a "result" event. Chunks are queued because the output callback runs on
// the proxy's reader goroutine and must not block on the client.
func (s *server) streamRun(c *gin.Context, p *proxy.Proxy, code string, timeout time.Duration) {
	var (
		mu     sync.Mutex
		queued []string
		notify = make(chan struct{}, 1)
		done   = make(chan proxy.RunResult, 1)
	)
	onChunk := func(text string) {
		mu.Lock()
		queued = append(queued, text)
		mu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	go func() {
		done <- p.Run(c.Request.Context(), code, proxy.WithTimeout(timeout), proxy.WithOutput(onChunk))
	}()

	flush := func() {
		mu.Lock()
		chunks := queued
		queued = nil
		mu.Unlock()
		for _, text := range chunks {
			c.SSEvent("output", text)
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	for {
		select {
		case <-notify:
			flush()
			c.Writer.Flush()
		case res := <-done:
			flush()
			c.SSEvent("result", res)
			c.Writer.Flush()
			return
		}
	}
}

func (s *server) listFiles(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	files, err := p.ListFiles(c.Request.Context(), c.Query("dir"))
	if err != nil {
		writeError(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *server) writeFile(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}
	if err := p.WriteFile(c.Request.Context(), c.Param("path"), string(body)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) readFile(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	content, err := p.ReadFile(c.Request.Context(), c.Param("path"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, content)
}

func (s *server) deleteFile(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	if err := p.DeleteFile(c.Request.Context(), c.Param("path")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type installRequest struct {
	Packages []string `json:"packages"`
}

func (s *server) install(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := p.Install(c.Request.Context(), req.Packages...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) snapshot(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	snap, err := p.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *server) restore(c *gin.Context) {
	p, ok := s.proxyFor(c)
	if !ok {
		return
	}
	var snap proxy.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := p.Restore(c.Request.Context(), snap); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
