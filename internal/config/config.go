package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	AuthSupabase = "supabase"
	AuthDev      = "dev"
)

// StoreConfig selects and locates the persisted match state.
type StoreConfig struct {
	Store       string `env:"COINFLIP_STORE" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"COINFLIP_SQLITE_PATH" envDefault:"coinflip.db"`
}

type DiscordConfig struct {
	WebhookID    string `env:"COINFLIP_DISCORD_WEBHOOK_ID"`
	WebhookToken string `env:"COINFLIP_DISCORD_WEBHOOK_TOKEN"`
	MinValue     int64  `env:"COINFLIP_DISCORD_MIN_VALUE" envDefault:"0"`
}

func (d DiscordConfig) Enabled() bool {
	return d.WebhookID != "" && d.WebhookToken != ""
}

type APIConfig struct {
	StoreConfig
	Discord DiscordConfig

	Port              string        `env:"PORT"`
	Addr              string        `env:"COINFLIP_API_ADDR" envDefault:":8080"`
	AuthMode          string        `env:"COINFLIP_AUTH_MODE" envDefault:"supabase"`
	SupabaseURL       string        `env:"SUPABASE_URL"`
	SupabaseAnonKey   string        `env:"SUPABASE_ANON_KEY"`
	SupabaseJWTSecret string        `env:"SUPABASE_JWT_SECRET"`
	DevAuthSecret     string        `env:"COINFLIP_DEV_AUTH_SECRET"`
	SettleDelay       time.Duration `env:"COINFLIP_SETTLE_DELAY" envDefault:"2s"`
	SweepEvery        time.Duration `env:"COINFLIP_SWEEP_EVERY" envDefault:"5s"`
	SweepBatch        int           `env:"COINFLIP_SWEEP_BATCH" envDefault:"100"`
	EmbeddedSweep     bool          `env:"COINFLIP_EMBEDDED_SWEEP" envDefault:"true"`
	SeedCatalog       bool          `env:"COINFLIP_SEED_CATALOG" envDefault:"true"`
	NotifyChannel     string        `env:"COINFLIP_NOTIFY_CHANNEL" envDefault:"coinflip_events"`
}

type WorkerConfig struct {
	StoreConfig
	Discord DiscordConfig

	SweepEvery    time.Duration `env:"COINFLIP_SWEEP_EVERY" envDefault:"5s"`
	SweepBatch    int           `env:"COINFLIP_SWEEP_BATCH" envDefault:"100"`
	SeedCatalog   bool          `env:"COINFLIP_SEED_CATALOG" envDefault:"true"`
	NotifyChannel string        `env:"COINFLIP_NOTIFY_CHANNEL" envDefault:"coinflip_events"`
	RunOnce       bool          `env:"COINFLIP_WORKER_RUN_ONCE" envDefault:"false"`
}

type CLIConfig struct {
	APIBaseURL string `env:"FLIP_API_BASE_URL" envDefault:"http://localhost:8080"`
}

func LoadAPIFromEnv() (APIConfig, error) {
	var cfg APIConfig
	if err := parse(&cfg); err != nil {
		return cfg, err
	}
	if p := strings.TrimSpace(cfg.Port); p != "" {
		if !strings.HasPrefix(p, ":") {
			p = ":" + p
		}
		cfg.Addr = p
	}
	cfg.SupabaseURL = strings.TrimRight(strings.TrimSpace(cfg.SupabaseURL), "/")
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))

	if err := cfg.StoreConfig.validate(); err != nil {
		return cfg, err
	}
	switch cfg.AuthMode {
	case AuthSupabase:
		if cfg.SupabaseURL == "" {
			return cfg, fmt.Errorf("SUPABASE_URL is required")
		}
		if cfg.SupabaseAnonKey == "" {
			return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
		}
	case AuthDev:
		if strings.TrimSpace(cfg.DevAuthSecret) == "" {
			return cfg, fmt.Errorf("COINFLIP_DEV_AUTH_SECRET is required in dev auth mode")
		}
	default:
		return cfg, fmt.Errorf("COINFLIP_AUTH_MODE must be %s or %s", AuthSupabase, AuthDev)
	}
	if cfg.SettleDelay < 0 {
		return cfg, fmt.Errorf("COINFLIP_SETTLE_DELAY must not be negative")
	}
	if cfg.SweepEvery <= 0 {
		return cfg, fmt.Errorf("COINFLIP_SWEEP_EVERY must be positive")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := parse(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.StoreConfig.validate(); err != nil {
		return cfg, err
	}
	if cfg.SweepEvery <= 0 {
		return cfg, fmt.Errorf("COINFLIP_SWEEP_EVERY must be positive")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	cfg := CLIConfig{APIBaseURL: "http://localhost:8080"}
	_ = parse(&cfg)
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	return cfg
}

func (s *StoreConfig) validate() error {
	s.Store = strings.ToLower(strings.TrimSpace(s.Store))
	s.DatabaseURL = strings.TrimSpace(s.DatabaseURL)
	switch s.Store {
	case StorePostgres:
		if s.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreSQLite:
		if strings.TrimSpace(s.SQLitePath) == "" {
			return fmt.Errorf("COINFLIP_SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("COINFLIP_STORE must be %s or %s", StorePostgres, StoreSQLite)
	}
	return nil
}

// parse loads an optional .env file, then the process environment on top.
func parse(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
