// Package gateway serves the malhub HTTP surface: the /ws/chat event stream,
// the agent and data REST endpoints, health, thread inspection and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/config"
	"github.com/haasonsaas/malhub/internal/cron"
	"github.com/haasonsaas/malhub/internal/mcp"
	"github.com/haasonsaas/malhub/internal/observability"
)

// Catalog is the remote tool catalog as seen by the REST surface.
// *mcp.Client satisfies it.
type Catalog interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolCallResult, error)
	Tools() []*mcp.ToolInfo
	Health(ctx context.Context) string
}

// SummarySource serves the results of scheduled agent runs.
// *cron.Scheduler satisfies it.
type SummarySource interface {
	Latest(jobID string) (*cron.JobExecution, bool)
}

// Options configures a Server.
type Options struct {
	Config  config.ServerConfig
	Runner  *agent.Runner
	Catalog Catalog

	// Summaries is optional; without it /api/daily-summary/latest is 404.
	Summaries SummarySource

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Server is the malhub HTTP server.
type Server struct {
	config    config.ServerConfig
	runner    *agent.Runner
	catalog   Catalog
	summaries SummarySource
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
	now       func() time.Time

	handler http.Handler

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer creates a gateway server.
func NewServer(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("gateway: runner is required")
	}
	if err := initChatSchema(); err != nil {
		return nil, fmt.Errorf("gateway: chat schema: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    opts.Config,
		runner:    opts.Runner,
		catalog:   opts.Catalog,
		summaries: opts.Summaries,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    logger.With("component", "gateway"),
		now:       time.Now,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	readHeaderTimeout := s.config.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.mu.Lock()
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop gracefully shuts the server down, bounded by the configured shutdown
// timeout. Turns already running are not interrupted.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
