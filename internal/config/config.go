package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures the environment driven settings of the attendance service.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	// PostgresDSN selects the Postgres stores; empty means in-memory.
	PostgresDSN string
	// RedisAddr enables the shared redemption rate limiter.
	RedisAddr string
	// AMQPURL enables event publishing; AMQPQueue names the durable queue.
	AMQPURL   string
	AMQPQueue string

	AuthSecret string
	SessionTTL time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	CORSOrigins []string

	// PublicBaseURL prefixes the redeem link encoded in QR images.
	PublicBaseURL string

	BootstrapManager  string
	BootstrapPassword string

	Version string
	Commit  string
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load parses configuration values from the current process environment.
// Missing required values and malformed values are reported together.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		AMQPQueue:      "qrattend.events",
		SessionTTL:     12 * time.Hour,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		PublicBaseURL:  "http://localhost:8080",
		Version:        "dev",
		Commit:         "none",
	}

	var missing, invalid []string

	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("QRATTEND_HTTP_ADDR", &cfg.HTTPAddr)
	setString("QRATTEND_GRPC_ADDR", &cfg.GRPCAddr)
	setString("QRATTEND_PG_DSN", &cfg.PostgresDSN)
	setString("QRATTEND_REDIS_ADDR", &cfg.RedisAddr)
	setString("QRATTEND_AMQP_URL", &cfg.AMQPURL)
	setString("QRATTEND_AMQP_QUEUE", &cfg.AMQPQueue)
	setString("QRATTEND_PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	setString("QRATTEND_BOOTSTRAP_MANAGER", &cfg.BootstrapManager)
	setString("QRATTEND_VERSION", &cfg.Version)
	setString("QRATTEND_COMMIT", &cfg.Commit)
	cfg.BootstrapPassword = os.Getenv("QRATTEND_BOOTSTRAP_PASSWORD")

	if secret := strings.TrimSpace(os.Getenv("QRATTEND_AUTH_SECRET")); secret == "" {
		missing = append(missing, "QRATTEND_AUTH_SECRET")
	} else {
		cfg.AuthSecret = secret
	}

	if v := strings.TrimSpace(os.Getenv("QRATTEND_SESSION_TTL")); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			invalid = append(invalid, "QRATTEND_SESSION_TTL")
		} else {
			cfg.SessionTTL = ttl
		}
	}

	if v := strings.TrimSpace(os.Getenv("QRATTEND_RATE_LIMIT_RPS")); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			invalid = append(invalid, "QRATTEND_RATE_LIMIT_RPS")
		} else {
			cfg.RateLimitRPS = rps
		}
	}

	if v := strings.TrimSpace(os.Getenv("QRATTEND_RATE_LIMIT_BURST")); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil || burst <= 0 {
			invalid = append(invalid, "QRATTEND_RATE_LIMIT_BURST")
		} else {
			cfg.RateLimitBurst = burst
		}
	}

	if v := strings.TrimSpace(os.Getenv("QRATTEND_CORS_ORIGINS")); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}

	if cfg.BootstrapManager != "" && cfg.BootstrapPassword == "" {
		missing = append(missing, "QRATTEND_BOOTSTRAP_PASSWORD")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variable values: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}
