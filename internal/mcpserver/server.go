// Package mcpserver exposes the agent-facing tool surface over MCP. Both SSE
// and Streamable HTTP transports are served on one port for compatibility
// with different agent clients. Every tool handler is wrapped by the tracker,
// so each invocation is registered, kept alive, and externally cancellable.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/approval"
	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/diffreview"
	"github.com/gatehouse/gatehouse/internal/pathlock"
	"github.com/gatehouse/gatehouse/internal/terminal"
	"github.com/gatehouse/gatehouse/internal/tracker"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
	// TrustedRoot is the directory writes are considered safe within;
	// writes outside it are flagged on their approval requests.
	TrustedRoot string
}

// Deps are the core subsystems the tools drive.
type Deps struct {
	Approvals *approval.Queue
	Terminals *terminal.Manager
	Tracker   *tracker.Tracker
	Diffs     *diffreview.Registry
	Locks     *pathlock.Locker
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management.
type Server struct {
	cfg                  Config
	deps                 Deps
	logger               *logger.Logger
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server

	mu      sync.Mutex
	running bool
}

// New creates the MCP server.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start begins serving both transports and returns once listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"gatehouse",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Port returns the bound port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}
