// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Ledger modes.
const (
	LedgerModeSim  = "sim"
	LedgerModeXRPL = "xrpl"
)

// Config holds the application configuration loaded from environment variables.
// Secret fields are excluded from LogValue.
type Config struct {
	Env        string
	ListenAddr string
	DBPath     string

	// SecretKey is the encoded vault master key (hex or base64).
	SecretKey string

	Thresholds         model.Thresholds
	DefaultTimeoutDays int

	ReaperInterval time.Duration
	AutoCancel     bool
	AutoSettle     bool
	ClaimTTL       time.Duration
	MaxRetries     uint64

	LedgerMode        string
	LedgerTimeout     time.Duration
	XRPLRPCURL        string
	XRPLOracleAddress string
	XRPLOracleSeed    string
	XRPLSigners       map[string]string
	XRPLRPS           float64

	ValidatorURL     string
	ValidatorTimeout time.Duration
	GovernanceURL    string

	// VerdictSecret authenticates verdicts pushed with an evidence submission.
	// Empty disables pushed verdicts.
	VerdictSecret string

	RedisURL     string
	AMQPURL      string
	AMQPExchange string
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// LogValue implements slog.LogValuer without the key, seeds or broker credentials.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("env", c.Env),
		slog.String("listen_addr", c.ListenAddr),
		slog.String("db_path", c.DBPath),
		slog.Bool("secret_key_set", c.SecretKey != ""),
		slog.Float64("accept_score", c.Thresholds.AcceptScore),
		slog.Float64("min_confidence", c.Thresholds.MinConfidence),
		slog.Float64("reject_score", c.Thresholds.RejectScore),
		slog.Int("default_timeout_days", c.DefaultTimeoutDays),
		slog.Duration("reaper_interval", c.ReaperInterval),
		slog.Bool("auto_cancel", c.AutoCancel),
		slog.Bool("auto_settle", c.AutoSettle),
		slog.Duration("claim_ttl", c.ClaimTTL),
		slog.Uint64("max_retries", c.MaxRetries),
		slog.String("ledger_mode", c.LedgerMode),
		slog.String("xrpl_rpc_url", c.XRPLRPCURL),
		slog.Int("xrpl_signers", len(c.XRPLSigners)),
		slog.String("validator_url", c.ValidatorURL),
		slog.String("governance_url", c.GovernanceURL),
		slog.Bool("verdict_secret_set", c.VerdictSecret != ""),
		slog.Bool("redis", c.RedisURL != ""),
		slog.Bool("amqp", c.AMQPURL != ""),
	)
}

// Load reads configuration from environment variables and returns a validated Config.
//
// Every variable is optional in development. Production requires
// ESCROW_SECRET_KEY and ESCROW_VALIDATOR_URL and refuses the simulated ledger.
// Ledger mode "xrpl" requires ESCROW_XRPL_RPC_URL, ESCROW_XRPL_ORACLE_ADDRESS
// and ESCROW_XRPL_ORACLE_SEED.
func Load() (*Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := &Config{
		Env:        p.oneOf("ESCROW_ENV", EnvDevelopment, EnvDevelopment, EnvProduction),
		ListenAddr: p.str("ESCROW_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:     p.str("ESCROW_DB_PATH", "impactescrow.db"),
		SecretKey:  strings.TrimSpace(os.Getenv("ESCROW_SECRET_KEY")),
		Thresholds: model.Thresholds{
			AcceptScore:   p.float("ESCROW_ACCEPT_SCORE", model.DefaultThresholds.AcceptScore),
			MinConfidence: p.float("ESCROW_MIN_CONFIDENCE", model.DefaultThresholds.MinConfidence),
			RejectScore:   p.float("ESCROW_REJECT_SCORE", model.DefaultThresholds.RejectScore),
		},
		DefaultTimeoutDays: p.positiveInt("ESCROW_DEFAULT_TIMEOUT_DAYS", model.DefaultTimeoutDays),
		ReaperInterval:     p.duration("ESCROW_REAPER_INTERVAL", time.Minute),
		AutoCancel:         p.boolean("ESCROW_AUTO_CANCEL", true),
		AutoSettle:         p.boolean("ESCROW_AUTO_SETTLE", false),
		ClaimTTL:           p.duration("ESCROW_CLAIM_TTL", 2*time.Minute),
		MaxRetries:         uint64(p.nonNegativeInt("ESCROW_MAX_RETRIES", 3)),
		LedgerMode:         p.oneOf("ESCROW_LEDGER_MODE", LedgerModeSim, LedgerModeSim, LedgerModeXRPL),
		LedgerTimeout:      p.duration("ESCROW_LEDGER_TIMEOUT", 30*time.Second),
		XRPLRPCURL:         p.str("ESCROW_XRPL_RPC_URL", ""),
		XRPLOracleAddress:  p.str("ESCROW_XRPL_ORACLE_ADDRESS", ""),
		XRPLOracleSeed:     strings.TrimSpace(os.Getenv("ESCROW_XRPL_ORACLE_SEED")),
		XRPLSigners:        p.pairs("ESCROW_XRPL_SIGNERS"),
		XRPLRPS:            p.float("ESCROW_XRPL_RPS", 5),
		ValidatorURL:       p.str("ESCROW_VALIDATOR_URL", ""),
		ValidatorTimeout:   p.duration("ESCROW_VALIDATOR_TIMEOUT", 10*time.Second),
		GovernanceURL:      p.str("ESCROW_GOVERNANCE_URL", ""),
		VerdictSecret:      strings.TrimSpace(os.Getenv("ESCROW_VERDICT_SECRET")),
		RedisURL:           p.str("ESCROW_REDIS_URL", ""),
		AMQPURL:            p.str("ESCROW_AMQP_URL", ""),
		AMQPExchange:       p.str("ESCROW_AMQP_EXCHANGE", "escrow_events"),
	}

	if !cfg.IsDevelopment() {
		if cfg.SecretKey == "" {
			errs = append(errs, errors.New("ESCROW_SECRET_KEY is required outside development"))
		}
		if cfg.ValidatorURL == "" {
			errs = append(errs, errors.New("ESCROW_VALIDATOR_URL is required outside development"))
		}
		if cfg.LedgerMode == LedgerModeSim {
			errs = append(errs, errors.New("ESCROW_LEDGER_MODE=sim is only allowed in development"))
		}
	}
	if cfg.LedgerMode == LedgerModeXRPL {
		for name, v := range map[string]string{
			"ESCROW_XRPL_RPC_URL":        cfg.XRPLRPCURL,
			"ESCROW_XRPL_ORACLE_ADDRESS": cfg.XRPLOracleAddress,
			"ESCROW_XRPL_ORACLE_SEED":    cfg.XRPLOracleSeed,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required when ESCROW_LEDGER_MODE=xrpl", name))
			}
		}
	}
	if cfg.XRPLRPS <= 0 {
		errs = append(errs, fmt.Errorf("ESCROW_XRPL_RPS must be positive, got %v", cfg.XRPLRPS))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// parser collects every malformed variable so startup reports them together.
type parser struct {
	errs *[]error
}

func (p parser) fail(err error) {
	*p.errs = append(*p.errs, err)
}

func (p parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (p parser) oneOf(key, def string, allowed ...string) string {
	v := p.str(key, def)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	p.fail(fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), v))
	return def
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		p.fail(fmt.Errorf("%s has invalid duration %q: %w", key, v, err))
		return def
	}
	if parsed <= 0 {
		p.fail(fmt.Errorf("%s must be positive, got %s", key, parsed))
		return def
	}
	return parsed
}

func (p parser) float(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.fail(fmt.Errorf("%s has invalid number %q: %w", key, v, err))
		return def
	}
	return parsed
}

func (p parser) nonNegativeInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || parsed < 0 {
		p.fail(fmt.Errorf("%s must be a non-negative integer, got %q", key, v))
		return def
	}
	return parsed
}

func (p parser) positiveInt(key string, def int) int {
	n := p.nonNegativeInt(key, def)
	if n == 0 {
		p.fail(fmt.Errorf("%s must be positive", key))
		return def
	}
	return n
}

func (p parser) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.fail(fmt.Errorf("%s has invalid boolean %q: %w", key, v, err))
		return def
	}
	return parsed
}

// pairs parses "address=seed,address=seed". Values are secrets and never
// appear in error messages.
func (p parser) pairs(key string) map[string]string {
	out := map[string]string{}
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return out
	}
	for i, item := range strings.Split(v, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(item), "=")
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if !found || k == "" || val == "" {
			p.fail(fmt.Errorf("%s entry %d must be address=seed", key, i+1))
			continue
		}
		out[k] = val
	}
	return out
}
