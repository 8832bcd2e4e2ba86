package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/identity"
)

type issueTokenRequest struct {
	IssuerAgentID  string   `json:"issuer_agent_id"`
	SubjectAgentID string   `json:"subject_agent_id" binding:"required"`
	Scopes         []string `json:"scopes" binding:"required"`
	TTLSeconds     int      `json:"ttl_seconds"`
	ParentTokenID  string   `json:"parent_token_id"`
}

// handleIssueToken mints a delegation token. The issuer defaults to the
// calling agent; naming a different issuer requires owning it.
func (s *Server) handleIssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	p := principal(c)
	issuerID := req.IssuerAgentID
	if issuerID == "" {
		var err error
		if issuerID, err = requireAgentPrincipal(p); err != nil {
			apierror.WriteJSON(c, err)
			return
		}
	}
	if _, err := s.ownAgent(c, issuerID); err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	issued, err := s.tokens.Issue(c.Request.Context(), identity.IssueParams{
		IssuerAgentID:  issuerID,
		SubjectAgentID: req.SubjectAgentID,
		Scopes:         req.Scopes,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		ParentTokenID:  req.ParentTokenID,
	})
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	// The wire token appears in this response and nowhere else.
	c.JSON(http.StatusCreated, issued)
}

type verifyTokenRequest struct {
	DelegationToken string `json:"delegation_token" binding:"required"`
}

func (s *Server) handleVerifyToken(c *gin.Context) {
	var req verifyTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	verified, err := s.tokens.Verify(c.Request.Context(), req.DelegationToken)
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":            true,
		"token":            verified.Token,
		"effective_scopes": verified.EffectiveScopes,
		"chain":            verified.Chain,
	})
}

func (s *Server) handleTokenChain(c *gin.Context) {
	chain, err := s.tokens.Chain(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain, "depth": len(chain)})
}
