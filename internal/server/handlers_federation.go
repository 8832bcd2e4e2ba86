package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/federation"
)

type registerDomainRequest struct {
	DomainID      string   `json:"domain_id" binding:"required"`
	DisplayName   string   `json:"display_name"`
	TrustLevel    string   `json:"trust_level"`
	PublicKeyPEM  string   `json:"public_key_pem"`
	AllowedScopes []string `json:"allowed_scopes" binding:"required"`
	DomainToken   string   `json:"domain_token" binding:"required"`
}

func (s *Server) handleRegisterDomain(c *gin.Context) {
	var req registerDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	d, err := s.fed.RegisterDomain(c.Request.Context(), federation.RegisterDomainParams{
		DomainID:      req.DomainID,
		DisplayName:   req.DisplayName,
		TrustLevel:    federation.TrustLevel(req.TrustLevel),
		PublicKeyPEM:  req.PublicKeyPEM,
		AllowedScopes: req.AllowedScopes,
		DomainToken:   req.DomainToken,
		RegisteredBy:  principal(c).Owner,
	})
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleListDomains(c *gin.Context) {
	domains, err := s.fed.ListDomains(c.Request.Context())
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domains": domains})
}

type attestRequest struct {
	DomainID   string            `json:"domain_id" binding:"required"`
	Scopes     []string          `json:"scopes" binding:"required"`
	Claims     map[string]string `json:"claims"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func (s *Server) handleAttestAgent(c *gin.Context) {
	var req attestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, err.Error()))
		return
	}
	if _, err := s.ownAgent(c, c.Param("id")); err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	a, err := s.fed.Attest(c.Request.Context(), c.Param("id"), req.DomainID,
		req.Scopes, req.Claims, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleVerifyAttestation(c *gin.Context) {
	res, err := s.fed.VerifyAttestation(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
