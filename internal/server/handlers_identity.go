package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/auth"
	"github.com/agenthub/agenthub/internal/identity"
)

type registerAgentRequest struct {
	CredentialType        string            `json:"credential_type" binding:"required"`
	PublicKeyPEM          string            `json:"public_key_pem"`
	HumanPrincipalID      string            `json:"human_principal_id"`
	ConfigurationChecksum string            `json:"configuration_checksum"`
	Metadata              map[string]string `json:"metadata"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	p := principal(c)
	ident, err := s.ids.RegisterAgent(c.Request.Context(), identity.RegisterParams{
		Owner:                 p.Owner,
		CredentialType:        identity.CredentialType(req.CredentialType),
		PublicKeyPEM:          req.PublicKeyPEM,
		HumanPrincipalID:      req.HumanPrincipalID,
		ConfigurationChecksum: req.ConfigurationChecksum,
		Metadata:              req.Metadata,
	})
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, ident)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	ident, err := s.ids.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, ident)
}

// ownAgent loads the agent and enforces that the caller owns it. The
// admin secret overrides ownership for operator tooling.
func (s *Server) ownAgent(c *gin.Context, agentID string) (*identity.AgentIdentity, error) {
	ident, err := s.ids.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		return nil, err
	}
	p := principal(c)
	if ident.Owner != p.Owner && !s.isAdmin(c) {
		return nil, apierror.Policy(apierror.CodeOwnerMismatch, "agent belongs to a different owner")
	}
	return ident, nil
}

type issueCredentialRequest struct {
	Scopes     []string `json:"scopes" binding:"required"`
	TTLSeconds int      `json:"ttl_seconds"`
}

func (s *Server) handleIssueCredential(c *gin.Context) {
	var req issueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	if _, err := s.ownAgent(c, c.Param("id")); err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	issued, err := s.ids.IssueCredential(c.Request.Context(), c.Param("id"),
		req.Scopes, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	// The plaintext secret appears in this response and nowhere else.
	c.JSON(http.StatusCreated, gin.H{
		"credential": issued.Credential,
		"secret":     issued.Secret,
	})
}

func (s *Server) handleGetCredential(c *gin.Context) {
	cred, err := s.ids.Store().GetCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.WriteJSON(c, apierror.NotFound("credential not found"))
		return
	}
	if _, err := s.ownAgent(c, cred.AgentID); err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

type rotateCredentialRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (s *Server) handleRotateCredential(c *gin.Context) {
	var req rotateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	cred, err := s.ids.Store().GetCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.WriteJSON(c, apierror.NotFound("credential not found"))
		return
	}
	if _, err := s.ownAgent(c, cred.AgentID); err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	issued, err := s.ids.RotateCredential(c.Request.Context(), c.Param("id"),
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"credential": issued.Credential,
		"secret":     issued.Secret,
	})
}

type revokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleRevokeCredential(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	cred, err := s.ids.Store().GetCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.WriteJSON(c, apierror.NotFound("credential not found"))
		return
	}
	if _, err := s.ownAgent(c, cred.AgentID); err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	ev, err := s.ids.RevokeCredential(c.Request.Context(), c.Param("id"), req.Reason, actorOf(principal(c)))
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	revocationsTotal.WithLabelValues(string(identity.RevokedCredential)).Inc()
	c.JSON(http.StatusOK, gin.H{"revocation_event": ev})
}

func (s *Server) handleRevokeAgent(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	if _, err := s.ownAgent(c, c.Param("id")); err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	result, err := s.ids.RevokeAgent(c.Request.Context(), c.Param("id"), req.Reason, actorOf(principal(c)))
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	revocationsTotal.WithLabelValues(string(identity.RevokedAgentIdentity)).Inc()
	c.JSON(http.StatusOK, result)
}

type bulkRevokeRequest struct {
	Owner  string `json:"owner"`
	Reason string `json:"reason" binding:"required"`
}

// handleBulkRevoke is the owner-level kill switch: every agent the owner
// holds is cascaded. Revoking a different owner requires the admin
// secret.
func (s *Server) handleBulkRevoke(c *gin.Context) {
	var req bulkRevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	p := principal(c)
	owner := req.Owner
	if owner == "" {
		owner = p.Owner
	}
	if owner != p.Owner && !s.isAdmin(c) {
		apierror.WriteJSON(c, apierror.Policy(apierror.CodeAdminOnly,
			"revoking another owner's agents requires the admin secret"))
		return
	}
	results, err := s.ids.RevokeAllForOwner(c.Request.Context(), owner, req.Reason, actorOf(p))
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	for range results {
		revocationsTotal.WithLabelValues(string(identity.RevokedAgentIdentity)).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "cascades": results})
}

func (s *Server) handleListRevocations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.ids.ListRevocationEvents(c.Request.Context(), c.Query("agent_id"), limit)
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revocation_events": events})
}

// requireAgentPrincipal resolves which agent the caller acts as for
// routes where the principal itself must be an agent.
func requireAgentPrincipal(p *auth.Principal) (string, error) {
	if p.AgentID == "" {
		return "", apierror.Policy(apierror.CodeInvalidCredential,
			"this route requires agent credentials")
	}
	return p.AgentID, nil
}
