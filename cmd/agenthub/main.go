// cmd/agenthub — the AgentHub control plane binary.
//
//	agenthub serve     run the HTTP API with background workers
//	agenthub migrate   apply pending SQL migrations
//	agenthub diagnose  print the configuration diagnostics report
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/auth"
	"github.com/agenthub/agenthub/internal/budget"
	"github.com/agenthub/agenthub/internal/config"
	"github.com/agenthub/agenthub/internal/crypto"
	"github.com/agenthub/agenthub/internal/delegation"
	"github.com/agenthub/agenthub/internal/federation"
	"github.com/agenthub/agenthub/internal/health"
	"github.com/agenthub/agenthub/internal/idempotency"
	"github.com/agenthub/agenthub/internal/identity"
	"github.com/agenthub/agenthub/internal/migrate"
	"github.com/agenthub/agenthub/internal/outbox"
	"github.com/agenthub/agenthub/internal/policy"
	"github.com/agenthub/agenthub/internal/provenance"
	"github.com/agenthub/agenthub/internal/reliability"
	"github.com/agenthub/agenthub/internal/server"
)

func main() {
	root := &cobra.Command{
		Use:           "agenthub",
		Short:         "AgentHub identity, delegation, and authorization control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), diagnoseCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agenthub: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadUnchecked()
			if err != nil {
				return err
			}
			report, err := migrate.Apply(cmd.Context(), cfg.DatabaseURL, dir)
			if err != nil {
				return err
			}
			for _, f := range report.Skipped {
				fmt.Printf("  skip  %s (already applied)\n", f)
			}
			for _, f := range report.Applied {
				fmt.Printf("  apply %s\n", f)
			}
			fmt.Printf("applied %d migration(s)\n", len(report.Applied))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "migrations directory")
	return cmd
}

func diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Print the configuration diagnostics report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadUnchecked()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg.Diagnostics(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// stores groups the per-backend store implementations picked at
// startup.
type stores struct {
	identity   identity.Store
	delegation delegation.Store
	audit      policy.AuditStore
	budget     budget.Store
	outbox     outbox.Store
	federation federation.Store
	idem       idempotency.Store
	ledger     provenance.Ledger
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provSigner := crypto.NewSigner([]byte(cfg.ProvenanceSigningSecret))

	var st stores
	if cfg.Store == config.StorePostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		st = stores{
			identity:   identity.NewPostgresStore(pool, logger),
			delegation: delegation.NewPostgresStore(pool),
			audit:      policy.NewPostgresAuditStore(pool),
			budget:     budget.NewPostgresStore(pool),
			outbox:     outbox.NewPostgresStore(pool),
			federation: federation.NewPostgresStore(pool),
			idem:       idempotency.NewPostgresStore(pool),
			ledger:     provenance.NewPostgresLedger(pool, provSigner, logger),
		}
	} else {
		logger.Warn("running with in-memory stores; all state is lost on restart")
		st = stores{
			identity:   identity.NewMemoryStore(),
			delegation: delegation.NewMemoryStore(),
			audit:      policy.NewMemoryAuditStore(),
			budget:     budget.NewMemoryStore(),
			outbox:     outbox.NewMemoryStore(),
			federation: federation.NewMemoryStore(),
			idem:       idempotency.NewMemoryStore(),
			ledger:     provenance.NewMemoryLedger(provSigner),
		}
	}

	signer := crypto.NewSigner([]byte(cfg.IdentitySigningSecret))
	ids := identity.NewService(st.identity, signer, logger)
	tokens := identity.NewTokenEngine(st.identity, signer, logger)
	bearer := identity.NewBearerIssuer([]byte(cfg.BearerTokenSecret), "agenthub", time.Hour)

	mode := auth.ModeEnforce
	if cfg.AccessMode == config.ModeWarn {
		mode = auth.ModeWarn
	}
	resolver := auth.NewResolver(cfg.APIKeys, ids, tokens, bearer, mode, logger)
	fed := federation.NewService(st.federation, st.identity, signer, cfg.FederationDomainTokens, logger)

	tracker := reliability.NewTracker(cfg.BreakerWindowSize,
		time.Duration(cfg.LatencySLOMillis)*time.Millisecond, logger)
	observer := func(o delegation.Outcome) {
		tracker.Record(reliability.Sample{
			DelegationID: o.DelegationID,
			Success:      o.Success,
			HardStop:     o.HardStop,
			Latency:      o.Latency,
		})
	}
	engine := delegation.NewEngine(
		st.delegation, st.identity,
		policy.NewEvaluator(crypto.NewSigner([]byte(cfg.PolicySigningSecret)), st.audit, logger),
		budget.NewService(st.budget, logger),
		st.outbox, nil, observer, logger,
	)

	wireEvents(ids, tracker, st, logger)

	dispatcher := outbox.NewDispatcher(st.outbox, time.Second, logger)
	dispatcher.Subscribe(outbox.KindRevocation, ledgerConsumer(st.ledger))
	dispatcher.Subscribe(outbox.KindSettlement, ledgerConsumer(st.ledger))

	prober := health.NewProber(st.identity, health.Config{}, logger)
	prober.OnDegraded(func(ctx context.Context, agentID, endpoint string) {
		if err := st.outbox.Enqueue(ctx, outbox.NewEvent(outbox.KindHealthDegraded, agentID,
			map[string]string{"endpoint": endpoint})); err != nil {
			logger.Error("enqueue health event", zap.Error(err))
		}
	})
	prober.OnRecovered(func(ctx context.Context, agentID, endpoint string) {
		if err := st.outbox.Enqueue(ctx, outbox.NewEvent(outbox.KindHealthRecovered, agentID,
			map[string]string{"endpoint": endpoint})); err != nil {
			logger.Error("enqueue health event", zap.Error(err))
		}
	})

	go delegation.NewReaper(engine, 0, logger).Run(ctx)
	go dispatcher.Run(ctx)
	go prober.Run(ctx)

	srv := server.New(cfg, resolver, ids, tokens, fed, engine, tracker, st.idem, st.ledger, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agenthub listening", zap.Int("port", cfg.Port), zap.String("store", string(cfg.Store)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	// Final flush so settled work reaches the ledger before exit.
	dispatcher.Drain(shutdownCtx)
	return nil
}

// wireEvents connects revocations and breaker transitions to the
// outbox.
func wireEvents(ids *identity.Service, tracker *reliability.Tracker, st stores, logger *zap.Logger) {
	ids.OnRevocation(func(ctx context.Context, ev *identity.RevocationEvent) {
		if err := st.outbox.Enqueue(ctx, outbox.NewEvent(outbox.KindRevocation, ev.RevokedID, map[string]string{
			"event_id":      ev.EventID,
			"revoked_type":  string(ev.RevokedType),
			"agent_id":      ev.AgentID,
			"reason":        ev.Reason,
			"actor":         ev.Actor,
			"cascade_count": fmt.Sprint(ev.CascadeCount),
		})); err != nil {
			logger.Error("enqueue revocation event", zap.Error(err))
		}
	})
	tracker.OnStateChange(func(state reliability.BreakerState) {
		if state != reliability.BreakerOpen {
			return
		}
		if err := st.outbox.Enqueue(context.Background(),
			outbox.NewEvent(outbox.KindBreakerOpened, "delegation-pipeline", nil)); err != nil {
			logger.Error("enqueue breaker event", zap.Error(err))
		}
	})
}

// ledgerConsumer appends dispatched outbox events to the provenance
// chain. Ledger appends are idempotent in effect because the chain
// records the event payload hash, so at-least-once delivery only risks
// duplicate entries, never divergence.
func ledgerConsumer(ledger provenance.Ledger) outbox.Consumer {
	return func(ctx context.Context, ev *outbox.Event) error {
		actor := ev.Payload["actor"]
		if actor == "" {
			actor = "agenthub-system"
		}
		_, err := ledger.Append(ctx, ev.SubjectID, ev.Kind, actor, ev.Payload)
		return err
	}
}
