package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/approval"
	"github.com/gatehouse/gatehouse/internal/terminal"
)

func (s *Server) handleListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": s.approvals.Pending()})
}

func (s *Server) handleCurrentApproval(c *gin.Context) {
	req, ok := s.approvals.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"current": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"current": req})
}

func (s *Server) handleRespondApproval(c *gin.Context) {
	var decision approval.Decision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid decision payload: " + err.Error()})
		return
	}

	err := s.approvals.Respond(c.Param("id"), &decision)
	switch {
	case errors.Is(err, approval.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, approval.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "resolved"})
	}
}

func (s *Server) handleCancelApproval(c *gin.Context) {
	if err := s.approvals.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":    s.tracker.Active(),
		"completed": s.tracker.Completed(),
	})
}

func (s *Server) handleCancelCall(c *gin.Context) {
	if err := s.tracker.CancelCall(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleCompleteCall(c *gin.Context) {
	if err := s.tracker.CompleteCall(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) handleListTerminals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"terminals": s.terminals.List()})
}

func (s *Server) terminalID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid terminal id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleTerminalOutput(c *gin.Context) {
	id, ok := s.terminalID(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"

	output, err := s.terminals.CurrentOutput(id, force)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, terminal.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

func (s *Server) handleBackgroundStatus(c *gin.Context) {
	id, ok := s.terminalID(c)
	if !ok {
		return
	}

	status, err := s.terminals.BackgroundStatus(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleInterrupt(c *gin.Context) {
	id, ok := s.terminalID(c)
	if !ok {
		return
	}
	if err := s.terminals.Interrupt(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

type closeTerminalsRequest struct {
	Names []string `json:"names"`
	All   bool     `json:"all"`
}

func (s *Server) handleCloseTerminals(c *gin.Context) {
	var req closeTerminalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if req.All {
		s.terminals.CloseAll()
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
		return
	}
	notFound := s.terminals.CloseByName(req.Names)
	c.JSON(http.StatusOK, gin.H{"status": "closed", "not_found": notFound})
}

func (s *Server) handleListDiffs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"diffs": s.diffs.List()})
}

func (s *Server) handleAcceptDiff(c *gin.Context) {
	resolved := s.diffs.Accept(c.Param("call_id"))
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

type rejectDiffRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectDiff(c *gin.Context) {
	var req rejectDiffRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "rejected"
	}
	resolved := s.diffs.Reject(c.Param("call_id"), req.Reason)
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, gin.H{"calls": []any{}})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	calls, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read call history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}
