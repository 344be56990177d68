package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // Postgres Driver
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-pay/pkg/actions"
	"github.com/Mindburn-Labs/helm-pay/pkg/agents"
	"github.com/Mindburn-Labs/helm-pay/pkg/api"
	"github.com/Mindburn-Labs/helm-pay/pkg/auth"
	"github.com/Mindburn-Labs/helm-pay/pkg/bridgeclient"
	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/settlement"
)

const shutdownTimeout = 15 * time.Second

// services is the wired application. Close releases everything it opened.
type services struct {
	handler http.Handler
	engine  *consensus.Engine
	cleaner idempotency.Cleaner
	closers []func(context.Context) error
}

func (s *services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (s *services) onClose(f func(context.Context) error) {
	s.closers = append(s.closers, f)
}

//nolint:gocognit,gocyclo
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *services, err error) {
	svc := &services{}
	defer func() {
		if err != nil {
			_ = svc.Close(context.Background())
		}
	}()

	var profileOpts []security.Option
	if cfg.PolicyFile != "" {
		profile, err := config.LoadPolicyProfile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		profile.ApplyTo(cfg)
		profileOpts = profile.SecurityOptions()
		logger.InfoContext(ctx, "policy profile loaded", "name", profile.Name, "rules", len(profile.Rules))
	}

	obs, err := observability.New(ctx, cfg.Observability())
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	svc.onClose(obs.Shutdown)

	var (
		registry  agents.Registry   = agents.NewMemoryRegistry()
		mandates  mandate.Store     = mandate.NewMemoryStore()
		budget    finance.Tracker   = finance.NewInMemoryTracker()
		idem      idempotency.Store = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		actionLog actions.Log       = actions.NewMemoryLog()
		txStore   consensus.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		svc.onClose(func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}

		pgRegistry := agents.NewPostgresRegistry(db)
		pgMandates := mandate.NewPostgresStore(db)
		pgBudget := finance.NewPostgresTracker(db)
		pgIdem := idempotency.NewPostgresStore(db, cfg.IdempotencyTTL)
		for name, initSchema := range map[string]func(context.Context) error{
			"agents":      pgRegistry.Init,
			"mandates":    pgMandates.Init,
			"spending":    pgBudget.Init,
			"idempotency": pgIdem.Init,
		} {
			if err := initSchema(ctx); err != nil {
				return nil, fmt.Errorf("init %s schema: %w", name, err)
			}
		}
		registry, mandates, budget, idem = pgRegistry, pgMandates, pgBudget, pgIdem
		logger.InfoContext(ctx, "postgres: connected")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		svc.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		idem = idempotency.NewRedisStore(client, cfg.IdempotencyTTL)
		logger.InfoContext(ctx, "redis: connected", "addr", cfg.RedisAddr)
	}
	// Redis expires keys itself.
	if c, ok := idem.(idempotency.Cleaner); ok {
		svc.cleaner = c
	}

	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		svc.onClose(func(context.Context) error { return db.Close() })

		store, err := consensus.NewSQLiteStore(db)
		if err != nil {
			return nil, fmt.Errorf("init transaction store: %w", err)
		}
		sqliteLog, err := actions.NewSQLiteLog(db)
		if err != nil {
			return nil, fmt.Errorf("init action log: %w", err)
		}
		txStore, actionLog = store, sqliteLog
		logger.InfoContext(ctx, "sqlite: ready", "path", cfg.SQLitePath)
	}

	master := cfg.MasterSecret
	if master == "" {
		master, err = randomSecret()
		if err != nil {
			return nil, err
		}
		logger.WarnContext(ctx, "AP2_MASTER_SECRET not set, using an ephemeral master secret; agent secrets change on restart")
	}
	ring := crypto.NewKeyRing(master)
	verifier := mandate.NewAuthority("helm-pay", ring, mandate.WithStore(mandates), mandate.WithLogger(logger))

	platform := bridgeclient.New(cfg.BridgeBaseURL,
		bridgeclient.WithAPIKey(cfg.BridgeAPIKey),
		bridgeclient.WithTimeout(cfg.BridgeTimeout),
		bridgeclient.WithRateLimit(cfg.BridgeRateLimit, max(1, int(cfg.BridgeRateLimit))),
	)
	bridge := settlement.NewBridge(platform,
		settlement.WithIdempotency(idem),
		settlement.WithTracker(budget),
		settlement.WithActionLog(actionLog),
		settlement.WithMandates(verifier),
		settlement.WithLogger(logger.With("component", "settlement")),
	)

	engineOpts := []consensus.Option{
		consensus.WithThreshold(cfg.ByzantineThreshold),
		consensus.WithVoteSecrets(ring),
		consensus.WithMandates(verifier),
		consensus.WithActionLog(actionLog),
		consensus.WithObservability(obs),
		consensus.WithPendingTTL(cfg.PendingTTL),
		consensus.WithLogger(logger.With("component", "consensus")),
	}
	if txStore != nil {
		engineOpts = append(engineOpts, consensus.WithStore(txStore))
	}
	engine := consensus.NewEngine(bridge, engineOpts...)
	restored, err := engine.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if restored > 0 {
		logger.InfoContext(ctx, "restored open transactions", "count", restored)
	}
	svc.engine = engine

	policy, err := security.NewPolicy(append([]security.Option{
		security.WithMinRequiredAgents(cfg.MinValidators),
		security.WithRegistry(registry),
		security.WithLogger(logger.With("component", "security")),
	}, profileOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("build security policy: %w", err)
	}

	validator := auth.NewJWTValidator(cfg.JWTSecret)
	if validator == nil {
		logger.WarnContext(ctx, "AP2_JWT_SECRET not set, all authenticated routes will be rejected")
	}

	var limiter *api.GlobalRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		svc.onClose(func(context.Context) error { limiter.Stop(); return nil })
	}

	svc.handler = api.NewServer(api.Deps{
		Engine:      engine,
		Policy:      policy,
		Registry:    registry,
		Mandates:    mandates,
		Secrets:     ring,
		Settlement:  bridge,
		Actions:     actionLog,
		Budget:      budget,
		Idempotency: idem,
		Auth:        validator,
		RateLimiter: limiter,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger.With("component", "api"),
	}).Handler()
	return svc, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	if cfg.PendingTTL > 0 {
		go expireLoop(ctx, svc.engine, expiryInterval(cfg.PendingTTL), logger)
	}
	if svc.cleaner != nil {
		go cleanupLoop(ctx, svc.cleaner, cleanupInterval(cfg.IdempotencyTTL), logger)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// expiryInterval sweeps four times per TTL, between once a second and once a minute.
func expiryInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, time.Second), time.Minute)
}

func expireLoop(ctx context.Context, engine *consensus.Engine, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := engine.ExpirePending(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "pending expiry failed", "error", err)
			}
			if len(expired) > 0 {
				logger.InfoContext(ctx, "expired pending transactions", "count", len(expired))
			}
		}
	}
}

// cleanupInterval purges idempotency keys four times per TTL, between once a
// minute and once an hour.
func cleanupInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, time.Minute), time.Hour)
}

func cleanupLoop(ctx context.Context, cleaner idempotency.Cleaner, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cleaner.Cleanup(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.DebugContext(ctx, "purged idempotency keys", "count", n)
			}
		}
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate master secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
