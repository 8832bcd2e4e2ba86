// Package health probes registered agent endpoints and suspends
// identities that stop answering. Agents opt in by carrying an
// "endpoint" URL in their registration metadata; agents without one are
// never probed.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/identity"
)

// Config tunes the probe loop.
type Config struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
	Concurrency   int
}

// EndpointSource is the slice of the identity store the prober needs.
type EndpointSource interface {
	ListActiveEndpoints(ctx context.Context) ([]*identity.AgentIdentity, error)
	UpdateIdentityStatus(ctx context.Context, agentID string, status identity.IdentityStatus) error
}

// NotifyFunc receives liveness transitions. Used by the command wiring
// to emit outbox events.
type NotifyFunc func(ctx context.Context, agentID, endpoint string)

// Prober periodically probes every active agent endpoint. An agent that
// fails FailThreshold consecutive rounds is suspended; a suspended
// agent that answers again is reactivated. Probing continues for
// agents the prober itself suspended, so recovery does not require an
// operator.
type Prober struct {
	source EndpointSource
	client *http.Client
	cfg    Config
	logger *zap.Logger

	onDegraded  NotifyFunc
	onRecovered NotifyFunc

	mu        sync.Mutex
	failures  map[string]int
	suspended map[string]string // agent_id -> endpoint
}

// NewProber creates a Prober with defaults filled in.
func NewProber(source EndpointSource, cfg Config, logger *zap.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Prober{
		source:    source,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:       cfg,
		logger:    logger,
		failures:  make(map[string]int),
		suspended: make(map[string]string),
	}
}

// OnDegraded registers the callback fired once per healthy-to-degraded
// transition.
func (p *Prober) OnDegraded(fn NotifyFunc) { p.onDegraded = fn }

// OnRecovered registers the callback fired once per degraded-to-healthy
// transition.
func (p *Prober) OnRecovered(fn NotifyFunc) { p.onRecovered = fn }

// Run executes CheckAll every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			roundCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
			p.CheckAll(roundCtx)
			cancel()
		}
	}
}

type target struct {
	agentID  string
	endpoint string
}

// CheckAll runs one probe round over every active endpoint plus every
// endpoint the prober previously suspended, with bounded concurrency.
func (p *Prober) CheckAll(ctx context.Context) {
	idents, err := p.source.ListActiveEndpoints(ctx)
	if err != nil {
		p.logger.Error("health probe: list endpoints", zap.Error(err))
		return
	}

	targets := make([]target, 0, len(idents))
	seen := make(map[string]bool, len(idents))
	for _, ident := range idents {
		targets = append(targets, target{agentID: ident.AgentID, endpoint: ident.Metadata["endpoint"]})
		seen[ident.AgentID] = true
	}
	p.mu.Lock()
	for agentID, endpoint := range p.suspended {
		if !seen[agentID] {
			targets = append(targets, target{agentID: agentID, endpoint: endpoint})
		}
	}
	p.mu.Unlock()

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, tgt := range targets {
		wg.Add(1)
		go func(tgt target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.probeOne(ctx, tgt)
		}(tgt)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, tgt target) {
	alive := p.probe(ctx, tgt.endpoint)

	p.mu.Lock()
	if alive {
		p.failures[tgt.agentID] = 0
	} else {
		p.failures[tgt.agentID]++
	}
	count := p.failures[tgt.agentID]
	_, wasSuspended := p.suspended[tgt.agentID]
	if alive && wasSuspended {
		delete(p.suspended, tgt.agentID)
	}
	if !alive && count == p.cfg.FailThreshold && !wasSuspended {
		p.suspended[tgt.agentID] = tgt.endpoint
	}
	p.mu.Unlock()

	switch {
	case alive && wasSuspended:
		if err := p.source.UpdateIdentityStatus(ctx, tgt.agentID, identity.IdentityActive); err != nil {
			p.logger.Warn("health probe: reactivate", zap.String("agent_id", tgt.agentID), zap.Error(err))
			return
		}
		p.logger.Info("agent endpoint recovered", zap.String("agent_id", tgt.agentID))
		if p.onRecovered != nil {
			p.onRecovered(ctx, tgt.agentID, tgt.endpoint)
		}
	case !alive && count == p.cfg.FailThreshold && !wasSuspended:
		if err := p.source.UpdateIdentityStatus(ctx, tgt.agentID, identity.IdentitySuspended); err != nil {
			p.logger.Warn("health probe: suspend", zap.String("agent_id", tgt.agentID), zap.Error(err))
			return
		}
		p.logger.Warn("agent endpoint unresponsive, identity suspended",
			zap.String("agent_id", tgt.agentID),
			zap.Int("consecutive_failures", count),
		)
		if p.onDegraded != nil {
			p.onDegraded(ctx, tgt.agentID, tgt.endpoint)
		}
	}
}

// probe tries HEAD first and falls back to GET; any 2xx counts as
// alive.
func (p *Prober) probe(ctx context.Context, endpoint string) bool {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return false
		}
		resp, err := p.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}
