// Package config loads service settings from an optional YAML file, a .env
// file and the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`

	HTTP struct {
		Addr                 string        `yaml:"addr" validate:"required"`
		ReadTimeout          time.Duration `yaml:"read_timeout"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
		ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
		RateLimitRPS         float64       `yaml:"rate_limit_rps" validate:"gte=0"`
		RateLimitBurst       int           `yaml:"rate_limit_burst" validate:"gte=1"`
		PaymentWebhookSecret string        `yaml:"payment_webhook_secret"`
	} `yaml:"http"`

	Database struct {
		URL             string        `yaml:"url" validate:"required"`
		MaxConns        int32         `yaml:"max_conns" validate:"gte=1"`
		MinConns        int32         `yaml:"min_conns" validate:"gte=0"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
		MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	} `yaml:"database"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret" validate:"required,min=16"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Redis struct {
		Addr       string        `yaml:"addr"`
		Password   string        `yaml:"password"`
		DB         int           `yaml:"db" validate:"gte=0"`
		ProfileTTL time.Duration `yaml:"profile_ttl"`
		LockTTL    time.Duration `yaml:"lock_ttl"`
	} `yaml:"redis"`

	Outbox struct {
		BatchSize    int           `yaml:"batch_size" validate:"gte=1,lte=1000"`
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
	} `yaml:"outbox"`

	PubSub struct {
		ProjectID string `yaml:"project_id"`
		Topic     string `yaml:"topic" validate:"required_with=ProjectID"`
	} `yaml:"pubsub"`

	Storage struct {
		Bucket          string        `yaml:"bucket"`
		URLTTL          time.Duration `yaml:"url_ttl"`
		CredentialsJSON string        `yaml:"credentials_json"`
	} `yaml:"storage"`

	Assist struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"assist"`

	Risk RiskConfig `yaml:"risk"`
}

// RiskConfig holds rule thresholds and weights for risk scanning.
type RiskConfig struct {
	DisputeRate           float64 `yaml:"dispute_rate" validate:"gt=0,lte=1"`
	DisputeMinBookings    int     `yaml:"dispute_min_bookings" validate:"gte=1"`
	DisputeWeight         int     `yaml:"dispute_weight" validate:"gte=0,lte=100"`
	CancelRate            float64 `yaml:"cancel_rate" validate:"gt=0,lte=1"`
	CancelMinBookings     int     `yaml:"cancel_min_bookings" validate:"gte=1"`
	CancelWeight          int     `yaml:"cancel_weight" validate:"gte=0,lte=100"`
	LowRating             float64 `yaml:"low_rating" validate:"gt=0,lte=5"`
	LowRatingMinReviews   int     `yaml:"low_rating_min_reviews" validate:"gte=1"`
	LowRatingWeight       int     `yaml:"low_rating_weight" validate:"gte=0,lte=100"`
	NewAccountDays        int     `yaml:"new_account_days" validate:"gte=1"`
	LargeContractAmount   float64 `yaml:"large_contract_amount" validate:"gt=0"`
	NewAccountLargeWeight int     `yaml:"new_account_large_weight" validate:"gte=0,lte=100"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	var cfg Config
	cfg.LogLevel = "info"

	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.HTTP.RateLimitRPS = 10
	cfg.HTTP.RateLimitBurst = 20

	cfg.Database.MaxConns = 10
	cfg.Database.MinConns = 1
	cfg.Database.MaxConnLifetime = time.Hour
	cfg.Database.MaxConnIdleTime = 15 * time.Minute

	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.Redis.ProfileTTL = 10 * time.Minute
	cfg.Redis.LockTTL = 10 * time.Second

	cfg.Outbox.BatchSize = 50
	cfg.Outbox.PollInterval = 2 * time.Second
	cfg.Outbox.MaxAttempts = 8

	cfg.Storage.URLTTL = 15 * time.Minute

	cfg.Assist.Model = "gemini-2.5-flash"

	cfg.Risk = RiskConfig{
		DisputeRate:           0.3,
		DisputeMinBookings:    3,
		DisputeWeight:         30,
		CancelRate:            0.4,
		CancelMinBookings:     5,
		CancelWeight:          20,
		LowRating:             2.5,
		LowRatingMinReviews:   3,
		LowRatingWeight:       25,
		NewAccountDays:        7,
		LargeContractAmount:   1000,
		NewAccountLargeWeight: 15,
	}
	return cfg
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), .env and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.HTTP.PaymentWebhookSecret, "PAYMENT_WEBHOOK_SECRET")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&cfg.PubSub.Topic, "PUBSUB_TOPIC")
	setString(&cfg.Storage.Bucket, "GCS_BUCKET")
	setString(&cfg.Storage.CredentialsJSON, "GCS_CREDENTIALS_JSON")
	setString(&cfg.Assist.APIKey, "GEMINI_API_KEY")

	if v, ok := os.LookupEnv("OUTBOX_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OUTBOX_MAX_ATTEMPTS: %w", err)
		}
		cfg.Outbox.MaxAttempts = n
	}
	if v, ok := os.LookupEnv("RATE_LIMIT_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: RATE_LIMIT_RPS: %w", err)
		}
		cfg.HTTP.RateLimitRPS = f
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
