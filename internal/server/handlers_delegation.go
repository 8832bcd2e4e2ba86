package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/delegation"
	"github.com/agenthub/agenthub/internal/reliability"
)

type submitDelegationRequest struct {
	RequesterAgentID string         `json:"requester_agent_id"`
	DelegateAgentID  string         `json:"delegate_agent_id" binding:"required"`
	TaskSpec         map[string]any `json:"task_spec" binding:"required"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	MaxBudgetUSD     float64        `json:"max_budget_usd" binding:"required"`
	RequiresMFA      bool           `json:"requires_mfa"`
}

// handleSubmitDelegation runs a delegation through the lifecycle. An
// open breaker rejects the request before any work is queued.
func (s *Server) handleSubmitDelegation(c *gin.Context) {
	if !s.tracker.Allow() {
		setBreakerGauge(s.tracker.State())
		apierror.WriteJSON(c, apierror.Unavailable(apierror.CodeBreakerOpen,
			"circuit breaker is open; delegations are rejected until recovery"))
		return
	}

	var req submitDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	p := principal(c)
	requesterID := req.RequesterAgentID
	if requesterID == "" {
		var err error
		if requesterID, err = requireAgentPrincipal(p); err != nil {
			apierror.WriteJSON(c, err)
			return
		}
	}
	if _, err := s.ownAgent(c, requesterID); err != nil {
		apierror.WriteJSON(c, err)
		return
	}

	rec, err := s.engine.Submit(c.Request.Context(), delegation.SubmitParams{
		RequesterAgentID: requesterID,
		DelegateAgentID:  req.DelegateAgentID,
		TokenID:          p.TokenID,
		TaskSpec:         req.TaskSpec,
		EstimatedCostUSD: req.EstimatedCostUSD,
		MaxBudgetUSD:     req.MaxBudgetUSD,
		IdempotencyKey:   c.GetHeader("Idempotency-Key"),
		AllowedActions:   p.Scopes,
		MFAPresent:       c.GetHeader("X-MFA-Attested") == "true",
		RequiresMFA:      req.RequiresMFA,
	})
	setBreakerGauge(s.tracker.State())
	if rec != nil {
		delegationsTotal.WithLabelValues(string(rec.Status)).Inc()
		if rec.LastError == string(delegation.FailureHardStopBudget) {
			budgetHardStops.Inc()
		}
	}
	if err != nil {
		// Denials and hard stops still carry the persisted record so the
		// caller can fetch the audit trail.
		e := apierror.From(err)
		if rec != nil {
			c.AbortWithStatusJSON(e.Status, gin.H{"detail": e, "delegation": rec})
		} else {
			apierror.WriteJSON(c, err)
		}
		return
	}
	s.logger.Debug("delegation processed",
		zap.String("delegation_id", rec.DelegationID),
		zap.String("status", string(rec.Status)),
	)
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleDelegationStatus(c *gin.Context) {
	rec, err := s.engine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleContract(c *gin.Context) {
	c.JSON(http.StatusOK, delegation.CurrentContract())
}

func (s *Server) handleSLODashboard(c *gin.Context) {
	size, err := strconv.Atoi(c.DefaultQuery("window_size", "0"))
	if err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, "window_size must be an integer"))
		return
	}
	d := s.tracker.Snapshot(size)
	setBreakerGauge(d.CircuitBreaker.State)
	c.JSON(http.StatusOK, d)
}

// handleBreakerReset is the operator escape hatch: it force-closes the
// breaker and clears the sample window.
func (s *Server) handleBreakerReset(c *gin.Context) {
	s.tracker.Reset()
	setBreakerGauge(reliability.BreakerClosed)
	s.logger.Warn("circuit breaker reset by operator",
		zap.String("request_id", c.GetString("request_id")),
	)
	c.JSON(http.StatusOK, gin.H{"breaker_state": reliability.BreakerClosed})
}
