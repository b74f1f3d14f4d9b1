// Package config loads the service configuration from dotfiles and the environment.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
)

// Environment is the type for defining the running environment
type Environment string

// Environments
const (
	EnvDevelopment Environment = "Dev"
	EnvProduction  Environment = "Prod"
)

// CurrentEnvironment reads ENV, production is opt-in
func CurrentEnvironment() Environment {
	if os.Getenv("ENV") == "production" {
		return EnvProduction
	}
	return EnvDevelopment
}

// DotFile is the dotfile holding the configuration of the environment
func (e Environment) DotFile() string {
	if e == EnvProduction {
		return ".env.production"
	}
	return ".env.development"
}

// Config is the runtime configuration shared by the commands
type Config struct {
	Environment Environment

	StripeKey           string `validate:"required"`
	StripeWebhookSecret string `validate:"required"`
	PostgresURI         string `validate:"required"`

	// RedisURI enables the shared deduper, otherwise events are deduplicated in memory
	RedisURI string
	RedisPW  string
	// AMQPURI enables change notifications
	AMQPURI    string `validate:"omitempty,url"`
	ListenAddr string `validate:"required"`

	WebhookTolerance  time.Duration
	DedupWindow       time.Duration
	DedupCapacity     int `validate:"min=1"`
	ProcessingTimeout time.Duration

	CustomerUserMetadataKey string `validate:"required"`
	CORSOrigins             []string
	SentryDSN               string
}

// Defaults
const (
	DefaultListenAddr        = ":42069"
	DefaultWebhookTolerance  = 5 * time.Minute
	DefaultDedupWindow       = 72 * time.Hour
	DefaultDedupCapacity     = 100000
	DefaultProcessingTimeout = 30 * time.Second
	DefaultUserMetadataKey   = "user_id"
)

var validate = validator.New()

// Load reads the dotfiles then the process environment, which takes precedence.
// Missing dotfiles are skipped.
func Load(env Environment, files ...string) (*Config, error) {
	dot := map[string]string{}
	for _, file := range files {
		values, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, extErrors.Wrapf(err, "Cannot read %s", file)
		}
		for k, v := range values {
			dot[k] = v
		}
	}

	return Parse(env, func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dot[key]
		return v, ok
	})
}

// Parse builds and validates a Config from lookup
func Parse(env Environment, lookup func(key string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	c := &Config{
		Environment:             env,
		StripeKey:               get("STRIPE_KEY", ""),
		StripeWebhookSecret:     get("STRIPE_WEBHOOK_SECRET", ""),
		PostgresURI:             get("POSTGRES_URI", ""),
		RedisURI:                get("REDIS_URI", ""),
		RedisPW:                 get("REDIS_PW", ""),
		AMQPURI:                 get("AMQP_URI", ""),
		ListenAddr:              get("LISTEN_ADDR", DefaultListenAddr),
		CustomerUserMetadataKey: get("CUSTOMER_USER_METADATA_KEY", DefaultUserMetadataKey),
		SentryDSN:               get("SENTRY_DSN", ""),
	}

	var err error
	if c.WebhookTolerance, err = duration(get("WEBHOOK_TOLERANCE", ""), DefaultWebhookTolerance); err != nil {
		return nil, extErrors.Wrap(err, "WEBHOOK_TOLERANCE")
	}
	if c.DedupWindow, err = duration(get("DEDUP_WINDOW", ""), DefaultDedupWindow); err != nil {
		return nil, extErrors.Wrap(err, "DEDUP_WINDOW")
	}
	if c.ProcessingTimeout, err = duration(get("PROCESSING_TIMEOUT", ""), DefaultProcessingTimeout); err != nil {
		return nil, extErrors.Wrap(err, "PROCESSING_TIMEOUT")
	}
	c.DedupCapacity = DefaultDedupCapacity
	if v := get("DEDUP_CAPACITY", ""); v != "" {
		if c.DedupCapacity, err = strconv.Atoi(v); err != nil {
			return nil, extErrors.Wrap(err, "DEDUP_CAPACITY")
		}
	}
	for _, origin := range strings.Split(get("CORS_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			c.CORSOrigins = append(c.CORSOrigins, origin)
		}
	}

	if err := validate.Struct(c); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configuration")
	}
	return c, nil
}

func duration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, extErrors.Errorf("duration must be positive, got %s", v)
	}
	return d, nil
}
