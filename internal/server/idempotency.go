package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/auth"
	"github.com/agenthub/agenthub/internal/idempotency"
)

// ReplayHeader marks a response served from the idempotency cache.
const ReplayHeader = "X-Agenthub-Idempotent-Replay"

// captureWriter buffers the response body so a completed write can be
// cached for replay.
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotent makes a mutating route write-once per (tenant, actor,
// method, route, key). Retries of a completed request replay the cached
// response byte-for-byte with the replay header set; a retry with a
// different body is a 409 conflict. A 5xx outcome or a blown deadline
// releases the reservation so the caller may retry with the same key.
func (s *Server) Idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		idemKey := c.GetHeader("Idempotency-Key")
		if idemKey == "" {
			apierror.WriteJSON(c, apierror.Validation(apierror.CodeIdempotencyKeyRequired,
				"Idempotency-Key header is required on this route"))
			return
		}
		p := principal(c)
		if p == nil {
			apierror.WriteJSON(c, apierror.Auth(apierror.CodeAuthMissing, "no principal resolved"))
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apierror.WriteJSON(c, apierror.Validation(apierror.CodeValidation, "unreadable request body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		key := idempotency.Key{
			Tenant: p.TenantID,
			Actor:  actorOf(p),
			Method: c.Request.Method,
			Route:  c.FullPath(),
			Key:    idemKey,
		}
		sum := sha256.Sum256(body)
		res, err := s.idem.Reserve(c.Request.Context(), key, hex.EncodeToString(sum[:]))
		if err != nil {
			apierror.WriteJSON(c, err)
			return
		}

		switch res.State {
		case idempotency.StateConflict:
			apierror.WriteJSON(c, apierror.Conflict(apierror.CodeIdempotencyConflict,
				"idempotency key reused with a different payload"))
			return
		case idempotency.StatePending:
			apierror.WriteJSON(c, apierror.Conflict(apierror.CodeIdempotencyPending,
				"an identical request is still in flight"))
			return
		case idempotency.StateReplay:
			idempotentReplays.Inc()
			for name, value := range res.Response.Headers {
				c.Header(name, value)
			}
			c.Header(ReplayHeader, "true")
			c.Data(res.Response.HTTPStatus, res.Response.Headers["Content-Type"], res.Response.Body)
			c.Abort()
			return
		}

		// StateNew: this request owns the write.
		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Next()

		status := cw.Status()
		if status >= http.StatusInternalServerError || c.Request.Context().Err() != nil {
			// The request context may already be dead here; the release
			// must still reach the store.
			if err := s.idem.Fail(context.WithoutCancel(c.Request.Context()), key); err != nil {
				s.logger.Warn("release idempotency reservation", zap.Error(err))
			}
			return
		}
		headers := make(map[string]string)
		for name := range cw.Header() {
			headers[name] = cw.Header().Get(name)
		}
		if err := s.idem.Complete(c.Request.Context(), key,
			status, idempotency.FilterHeaders(headers), cw.body.Bytes()); err != nil {
			s.logger.Warn("cache idempotent response", zap.Error(err))
		}
	}
}

// actorOf identifies the caller within a tenant for the reservation key.
// Agent-authenticated calls key on the agent; platform keys on the owner.
func actorOf(p *auth.Principal) string {
	if p.AgentID != "" {
		return p.AgentID
	}
	return p.Owner
}
