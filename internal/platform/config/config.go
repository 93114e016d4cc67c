package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	AppURL      string `env:"APP_URL" default:"http://localhost:8080"`
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
	InstanceID  string `env:"INSTANCE_ID"`

	PresenceStaleThreshold    time.Duration `env:"PRESENCE_STALE_THRESHOLD" default:"60s"`
	PresenceReconcileInterval time.Duration `env:"PRESENCE_RECONCILE_INTERVAL" default:"30s"`
	PresenceBroadcastInterval time.Duration `env:"PRESENCE_BROADCAST_INTERVAL" default:"0s"`

	NearbyRefreshInterval time.Duration `env:"NEARBY_REFRESH_INTERVAL" default:"60s"`
	NearbyRadiusKm        float64       `env:"NEARBY_RADIUS_KM" default:"50"`
	NearbyDefaultLimit    int           `env:"NEARBY_DEFAULT_LIMIT" default:"20"`

	SubscriptionSweepCron string `env:"SUBSCRIPTION_SWEEP_CRON" default:"0 */12 * * *"`

	JobMaxAttempts        int           `env:"JOB_MAX_ATTEMPTS" default:"3"`
	JobBackoff            time.Duration `env:"JOB_BACKOFF" default:"5s"`
	SchedulerWorkers      int           `env:"SCHEDULER_WORKERS" default:"4"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" default:"1s"`
	SchedulerReclaimIdle  time.Duration `env:"SCHEDULER_RECLAIM_IDLE" default:"2m"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	WebSocketConnectRate    float64 `env:"WEBSOCKET_CONNECT_RATE" default:"50"`

	APIRateLimit float64 `env:"API_RATE_LIMIT" default:"20"`
	APIRateBurst int     `env:"API_RATE_BURST" default:"40"`
}

// MultiInstance reports whether shared Redis-backed stores are configured.
func (c *Config) MultiInstance() bool {
	return c.RedisURL != ""
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.AppEnv == "production" && cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required in production")
	}

	positive := map[string]time.Duration{
		"PRESENCE_STALE_THRESHOLD":    cfg.PresenceStaleThreshold,
		"PRESENCE_RECONCILE_INTERVAL": cfg.PresenceReconcileInterval,
		"SCHEDULER_POLL_INTERVAL":     cfg.SchedulerPollInterval,
		"SCHEDULER_RECLAIM_IDLE":      cfg.SchedulerReclaimIdle,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.PresenceBroadcastInterval < 0 || cfg.NearbyRefreshInterval < 0 || cfg.JobBackoff < 0 {
		return errors.New("intervals must not be negative")
	}
	if cfg.NearbyRadiusKm <= 0 {
		return errors.New("NEARBY_RADIUS_KM must be positive")
	}
	if cfg.NearbyDefaultLimit < 1 {
		return errors.New("NEARBY_DEFAULT_LIMIT must be at least 1")
	}
	if cfg.JobMaxAttempts < 1 {
		return errors.New("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.WebSocketConnectRate <= 0 || cfg.APIRateLimit <= 0 || cfg.APIRateBurst < 1 {
		return errors.New("rate limits must be positive")
	}
	if cfg.SchedulerWorkers < 1 {
		return errors.New("SCHEDULER_WORKERS must be at least 1")
	}

	if cfg.AppEnv == "production" && cfg.DatabaseURL != "" {
		mode := sslMode(cfg.DatabaseURL)
		if mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
