package app

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"RIPPLE_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel string `env:"RIPPLE_LOG_LEVEL" envDefault:"info"`

	ReadHeaderTimeout time.Duration `env:"RIPPLE_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	IdleTimeout       time.Duration `env:"RIPPLE_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"RIPPLE_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// JWTSecret signs/verifies session bearer tokens (HS256). Required.
	JWTSecret string `env:"RIPPLE_JWT_SECRET"`

	DatabaseURL string `env:"RIPPLE_DATABASE_URL"`
	DBSchema    string `env:"RIPPLE_DB_SCHEMA" envDefault:"ripple"`
	DBMaxConns  int32  `env:"RIPPLE_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"RIPPLE_DB_MIN_CONNS" envDefault:"0"`

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `env:"RIPPLE_READINESS_REQUIRE_DB" envDefault:"false"`

	WSWriteTimeout    time.Duration `env:"RIPPLE_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout time.Duration `env:"RIPPLE_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	WSSendQueue       int           `env:"RIPPLE_WS_SEND_QUEUE" envDefault:"256"`
	WSHeartbeatEvery  time.Duration `env:"RIPPLE_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatWait   time.Duration `env:"RIPPLE_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents      int           `env:"RIPPLE_WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow      time.Duration `env:"RIPPLE_WS_RATE_WINDOW" envDefault:"10s"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces settings the server cannot run without.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("RIPPLE_JWT_SECRET must be set")
	}
	return nil
}
