package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/events"
	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/governance"
	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/ledgersim"
	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/oracle"
	redisstore "github.com/ericfisherdev/impactescrow/internal/adapter/driven/redis"
	sqliteadapter "github.com/ericfisherdev/impactescrow/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/vault"
	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/xrpl"
	httphandler "github.com/ericfisherdev/impactescrow/internal/adapter/driving/http"
	"github.com/ericfisherdev/impactescrow/internal/application"
	"github.com/ericfisherdev/impactescrow/internal/config"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load .env for local development, then configuration (fail fast).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg)
	slog.Info("config loaded", "config", cfg)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer closeWithLog("database", db)
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.DBPath)

	// 4. Secret vault.
	secrets, err := vault.Open(cfg.SecretKey, cfg.IsDevelopment())
	if err != nil {
		return err
	}

	checks := map[string]application.HealthCheck{
		"database": func(ctx context.Context) error { return db.Writer.PingContext(ctx) },
	}

	// 5. Ledger gateway.
	ledger, err := newLedger(cfg)
	if err != nil {
		return err
	}

	// 6. Oracle: validator, decision thresholds and governance parameters.
	validator, err := newValidator(cfg)
	if err != nil {
		return err
	}
	oracleGateway, err := application.NewOracleGateway(cfg.Thresholds)
	if err != nil {
		return err
	}

	var advisor driven.ParameterAdvisor
	if cfg.GovernanceURL != "" {
		gov, err := governance.NewClient(cfg.GovernanceURL, cfg.ValidatorTimeout)
		if err != nil {
			return err
		}
		advisor = gov
	}
	params := application.NewParameterProvider(advisor, model.Parameters{TimeoutDays: cfg.DefaultTimeoutDays})

	// 7. Idempotency keys: Redis when configured, otherwise the database.
	var idempotency driven.IdempotencyStore = sqliteadapter.NewIdempotencyRepo(db)
	if cfg.RedisURL != "" {
		rs, err := redisstore.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer closeWithLog("redis", rs)
		idempotency = rs
		checks["redis"] = rs.Ping
	}

	// 8. Notifications: always logged, optionally published to AMQP.
	publishers := events.Fanout{events.NewLogPublisher(slog.Default())}
	if cfg.AMQPURL != "" {
		amqp, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer closeWithLog("amqp", amqp)
		publishers = append(publishers, amqp)
	}

	// 9. Services.
	retry := application.DefaultRetryPolicy
	retry.MaxRetries = cfg.MaxRetries

	escrowSvc := application.NewEscrowService(application.EscrowDeps{
		Escrows:     sqliteadapter.NewEscrowRepo(db),
		Evidence:    sqliteadapter.NewEvidenceRepo(db),
		Idempotency: idempotency,
		Vault:       secrets,
		Ledger:      ledger,
		Validator:   validator,
		Publisher:   publishers,
		Oracle:      oracleGateway,
		Parameters:  params,
	},
		application.WithClaimTTL(cfg.ClaimTTL),
		application.WithRetryPolicy(retry),
		application.WithAutoSettle(cfg.AutoSettle),
	)

	reaper := application.NewReaper(escrowSvc, sqliteadapter.NewEscrowRepo(db), cfg.ReaperInterval, cfg.AutoCancel)
	go reaper.Start(ctx)

	healthSvc := application.NewHealthService(checks, 2*time.Second)

	// 10. HTTP API.
	apiHandler := httphandler.NewHandler(escrowSvc, reaper, healthSvc, slog.Default(),
		httphandler.WithVerdictSecret(cfg.VerdictSecret))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.LedgerTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("impactescrow started",
		"listen_addr", cfg.ListenAddr,
		"ledger_mode", cfg.LedgerMode,
		"reaper_interval", cfg.ReaperInterval,
	)

	// 11. Wait for shutdown signal, then drain in-flight requests.
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func setupLogger(cfg *config.Config) {
	var h slog.Handler
	if cfg.IsDevelopment() {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(h))
}

func newLedger(cfg *config.Config) (driven.Ledger, error) {
	if cfg.LedgerMode == config.LedgerModeSim {
		slog.Warn("using simulated ledger; no funds move on a real network")
		return ledgersim.New(), nil
	}
	return xrpl.New(xrpl.Config{
		URL:               cfg.XRPLRPCURL,
		OperatorAddress:   cfg.XRPLOracleAddress,
		OperatorSeed:      cfg.XRPLOracleSeed,
		Signers:           cfg.XRPLSigners,
		RequestsPerSecond: cfg.XRPLRPS,
		Timeout:           cfg.LedgerTimeout,
	})
}

// newValidator returns the scoring service client, or in development without
// one, a passthrough for signed pushed verdicts.
func newValidator(cfg *config.Config) (driven.Validator, error) {
	if cfg.ValidatorURL == "" {
		slog.Warn("no validator configured; only signed pushed verdicts are scored")
		return oracle.Passthrough{}, nil
	}
	client, err := oracle.NewClient(cfg.ValidatorURL, cfg.ValidatorTimeout)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func closeWithLog(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Error("error closing "+name, "error", err)
	}
}
