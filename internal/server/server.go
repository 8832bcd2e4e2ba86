// Package server assembles the HTTP control plane: middleware chain,
// route table, and the handlers that translate between transport and
// the domain services.
package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/auth"
	"github.com/agenthub/agenthub/internal/config"
	"github.com/agenthub/agenthub/internal/delegation"
	"github.com/agenthub/agenthub/internal/federation"
	"github.com/agenthub/agenthub/internal/idempotency"
	"github.com/agenthub/agenthub/internal/identity"
	"github.com/agenthub/agenthub/internal/provenance"
	"github.com/agenthub/agenthub/internal/reliability"
)

// Server holds the wired services behind the HTTP API.
type Server struct {
	cfg         *config.Config
	resolver    *auth.Resolver
	ids         *identity.Service
	tokens      *identity.TokenEngine
	fed         *federation.Service
	engine      *delegation.Engine
	tracker     *reliability.Tracker
	idem        idempotency.Store
	ledger      provenance.Ledger
	adminSecret string
	logger      *zap.Logger
}

// New creates a Server over the wired services.
func New(cfg *config.Config, resolver *auth.Resolver, ids *identity.Service, tokens *identity.TokenEngine, fed *federation.Service, engine *delegation.Engine, tracker *reliability.Tracker, idem idempotency.Store, ledger provenance.Ledger, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		resolver:    resolver,
		ids:         ids,
		tokens:      tokens,
		fed:         fed,
		engine:      engine,
		tracker:     tracker,
		idem:        idem,
		ledger:      ledger,
		adminSecret: cfg.AdminSecret,
		logger:      logger,
	}
}

// Router builds the gin engine with the full middleware chain and route
// table. The three token-issuance routes are exempt from the
// Idempotency-Key requirement; every other mutating route carries it.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		RequestID(),
		Logging(s.logger),
		SecurityHeaders(),
		Metrics(),
		BodyLimit(),
		RateLimiter(s.cfg.RateLimitRPS),
	)
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", "X-Delegation-Token", "Idempotency-Key", "X-Admin-Secret", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", ReplayHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", RequestTimeout(s.cfg.RequestTimeout), s.Authenticate())

	id := v1.Group("/identity")
	{
		id.POST("/agents", s.Idempotent(), s.handleRegisterAgent)
		id.GET("/agents/:id", s.handleGetAgent)
		id.POST("/agents/:id/credentials", s.handleIssueCredential) // token issuance: no Idempotency-Key
		id.GET("/credentials/:id", s.handleGetCredential)
		id.POST("/credentials/:id/rotate", s.Idempotent(), s.handleRotateCredential)
		id.POST("/credentials/:id/revoke", s.Idempotent(), s.handleRevokeCredential)
		id.POST("/agents/:id/revoke", s.Idempotent(), s.handleRevokeAgent)
		id.POST("/revocations/bulk", s.Idempotent(), s.handleBulkRevoke)
		id.GET("/revocations", s.handleListRevocations)

		id.POST("/delegation-tokens", s.handleIssueToken) // token issuance: no Idempotency-Key
		id.POST("/delegation-tokens/verify", s.handleVerifyToken)
		id.GET("/delegation-tokens/:id/chain", s.handleTokenChain)

		id.POST("/trust-registry/domains", s.Idempotent(), s.handleRegisterDomain)
		id.GET("/trust-registry/domains", s.handleListDomains)
		id.POST("/agents/:id/attest", s.handleAttestAgent) // token issuance: no Idempotency-Key
		id.GET("/attestations/:id/verify", s.handleVerifyAttestation)
	}

	dlg := v1.Group("/delegations")
	{
		dlg.POST("", s.Idempotent(), s.handleSubmitDelegation)
		dlg.GET("/:id/status", s.handleDelegationStatus)
		dlg.GET("/contract", s.handleContract)
	}

	rel := v1.Group("/reliability")
	{
		rel.GET("/slo-dashboard", s.handleSLODashboard)
		rel.POST("/breaker/reset", s.RequireAdmin(), s.Idempotent(), s.handleBreakerReset)
	}

	v1.GET("/system/diagnostics", s.handleDiagnostics)
	v1.GET("/system/provenance", s.handleProvenance)

	return r
}
