package config

import (
	"fmt"
	"log/slog"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// APIKey protects the HTTP surface when set.
	APIKey string `envconfig:"API_KEY"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".phaseguild/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"phaseguild/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// SQLite settings (used when Type == "sqlite")
	SQLitePath string `envconfig:"SQLITE_PATH" default:".phaseguild/phaseguild.db"`
}

type GovernanceEnv struct {
	PricingFile            string `envconfig:"PRICING_FILE"`
	MaxImplementIterations int    `envconfig:"MAX_IMPLEMENT_ITERATIONS" default:"3"`
	DefaultBudget          string `envconfig:"DEFAULT_BUDGET" default:"10.00"`
}

type VAPIDEnv struct {
	PublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	PrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	Subject    string `envconfig:"VAPID_SUBJECT" default:"mailto:ops@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	GovernanceEnv
	VAPIDEnv
}

const namespace = "PHASEGUILD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) validate() error {
	switch e.StorageEnv.Type {
	case "local", "s3", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported storage type %q", e.StorageEnv.Type)
	}
	if e.StorageEnv.Type == "s3" && e.S3Bucket == "" {
		return fmt.Errorf("%s_S3_BUCKET is required for s3 storage", namespace)
	}
	if e.MaxImplementIterations < 1 {
		return fmt.Errorf("%s_MAX_IMPLEMENT_ITERATIONS must be at least 1, got %d", namespace, e.MaxImplementIterations)
	}
	if _, err := e.Budget(); err != nil {
		return err
	}
	return nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (e *BaseEnv) IsLocal() bool {
	return e.Env == "local"
}

// Budget parses DefaultBudget.
func (e *GovernanceEnv) Budget() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(e.DefaultBudget)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s_DEFAULT_BUDGET %q: %w", namespace, e.DefaultBudget, err)
	}
	return d, nil
}

func (e *VAPIDEnv) Enabled() bool {
	return e.PublicKey != "" && e.PrivateKey != ""
}
