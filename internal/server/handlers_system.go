package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"breaker_state": s.tracker.State(),
	})
}

// handleDiagnostics reports configuration presence and validity without
// revealing any value.
func (s *Server) handleDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Diagnostics())
}

// handleProvenance reports the provenance chain tip and whether the
// chain verifies end to end.
func (s *Server) handleProvenance(c *gin.Context) {
	root, err := s.ledger.Root(c.Request.Context())
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	length, err := s.ledger.Len(c.Request.Context())
	if err != nil {
		apierror.WriteJSON(c, err)
		return
	}
	intact := true
	if err := s.ledger.Verify(c.Request.Context()); err != nil {
		intact = false
		s.logger.Error("provenance chain verification failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"root": root, "length": length, "intact": intact})
}
