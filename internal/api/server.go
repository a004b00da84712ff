// Package api exposes the approval, terminal, tool-call and diff-review
// surfaces over HTTP, plus a WebSocket stream of bus events for UI clients.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/approval"
	"github.com/gatehouse/gatehouse/internal/common/httpmw"
	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/diffreview"
	"github.com/gatehouse/gatehouse/internal/events/bus"
	"github.com/gatehouse/gatehouse/internal/terminal"
	"github.com/gatehouse/gatehouse/internal/tracker"
)

// HistoryReader is the audit-log slice the API needs.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]tracker.CompletedCall, error)
}

// Server serves the control-plane HTTP API.
type Server struct {
	approvals *approval.Queue
	terminals *terminal.Manager
	tracker   *tracker.Tracker
	diffs     *diffreview.Registry
	history   HistoryReader
	events    bus.EventBus
	logger    *logger.Logger
	router    *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer wires the API over the core subsystems. history may be nil.
func NewServer(approvals *approval.Queue, terminals *terminal.Manager, tr *tracker.Tracker, diffs *diffreview.Registry, hist HistoryReader, events bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		approvals: approvals,
		terminals: terminals,
		tracker:   tr,
		diffs:     diffs,
		history:   hist,
		events:    events,
		logger:    log.WithFields(zap.String("component", "api-server")),
		router:    gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local control surface only.
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "gatehouse"))
	s.router.Use(httpmw.OtelTracing("gatehouse-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		// Approval arbitration
		api.GET("/approvals", s.handleListApprovals)
		api.GET("/approvals/current", s.handleCurrentApproval)
		api.POST("/approvals/:id/respond", s.handleRespondApproval)
		api.POST("/approvals/:id/cancel", s.handleCancelApproval)

		// Tool calls
		api.GET("/calls", s.handleListCalls)
		api.POST("/calls/:id/cancel", s.handleCancelCall)
		api.POST("/calls/:id/complete", s.handleCompleteCall)

		// Terminal sessions
		api.GET("/terminals", s.handleListTerminals)
		api.GET("/terminals/:id/output", s.handleTerminalOutput)
		api.GET("/terminals/:id/background", s.handleBackgroundStatus)
		api.POST("/terminals/:id/interrupt", s.handleInterrupt)
		api.POST("/terminals/close", s.handleCloseTerminals)

		// Write-diff review
		api.GET("/diffs", s.handleListDiffs)
		api.POST("/diffs/:call_id/accept", s.handleAcceptDiff)
		api.POST("/diffs/:call_id/reject", s.handleRejectDiff)

		// Audit history
		api.GET("/history", s.handleHistory)

		// Bus event stream
		api.GET("/events/stream", s.handleEventStream)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
