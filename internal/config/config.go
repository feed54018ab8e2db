package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const devJWTSecret = "dev-secret-change-in-production"

var (
	ErrInsecureSecret = errors.New("JWT_SECRET must be set in production environment")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Config holds every setting read from the environment.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`
	Env  string `env:"ENV" envDefault:"development"`

	DatabaseDriver  string `env:"DATABASE_DRIVER" envDefault:"mysql"`
	DatabaseDSN     string `env:"DATABASE_DSN" envDefault:"root:password@tcp(127.0.0.1:3306)/authgate?parseTime=true"`
	DatabaseMigrate bool   `env:"DATABASE_MIGRATE" envDefault:"true"`

	// RedisAddr selects the shared limiter and invalidation store. Empty keeps
	// both in process memory, which is only correct for a single instance.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret   string        `env:"JWT_SECRET" envDefault:"dev-secret-change-in-production"`
	JWTIssuer   string        `env:"JWT_ISSUER" envDefault:"authgate"`
	JWTAudience string        `env:"JWT_AUDIENCE" envDefault:"authgate-api"`
	JWTTTL      time.Duration `env:"JWT_TTL" envDefault:"60m"`

	LoginMaxAttempts  int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginDecay        time.Duration `env:"LOGIN_DECAY" envDefault:"15m"`
	RegisterPerMinute int           `env:"REGISTER_PER_MINUTE" envDefault:"3"`

	CollaboratorTimeout time.Duration `env:"COLLABORATOR_TIMEOUT" envDefault:"5s"`
	PasswordMinLength   int           `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`
	TrustProxy          bool          `env:"TRUST_PROXY" envDefault:"false"`

	AuditLogPath string `env:"AUDIT_LOG_PATH"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads the configuration from the environment and rejects settings
// the service cannot run safely with.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Env == "production" && c.JWTSecret == devJWTSecret {
		return ErrInsecureSecret
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is empty", ErrInvalidConfig)
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("%w: JWT_TTL must be positive", ErrInvalidConfig)
	}
	if c.JWTTTL%time.Second != 0 {
		return fmt.Errorf("%w: JWT_TTL must be a whole number of seconds", ErrInvalidConfig)
	}
	if c.LoginMaxAttempts <= 0 || c.LoginDecay <= 0 {
		return fmt.Errorf("%w: login limits must be positive", ErrInvalidConfig)
	}
	if c.RegisterPerMinute <= 0 {
		return fmt.Errorf("%w: REGISTER_PER_MINUTE must be positive", ErrInvalidConfig)
	}
	if c.CollaboratorTimeout <= 0 {
		return fmt.Errorf("%w: COLLABORATOR_TIMEOUT must be positive", ErrInvalidConfig)
	}
	switch c.DatabaseDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unsupported DATABASE_DRIVER %q", ErrInvalidConfig, c.DatabaseDriver)
	}
	return nil
}
