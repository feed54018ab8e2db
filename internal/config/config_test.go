package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "mysql", cfg.DatabaseDriver)
	assert.Equal(t, 60*time.Minute, cfg.JWTTTL)
	assert.Equal(t, 5, cfg.LoginMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.LoginDecay)
	assert.Equal(t, 3, cfg.RegisterPerMinute)
	assert.Equal(t, 5*time.Second, cfg.CollaboratorTimeout)
	assert.Equal(t, 8, cfg.PasswordMinLength)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("JWT_TTL", "2h")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "3")
	t.Setenv("TRUST_PROXY", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 2*time.Hour, cfg.JWTTTL)
	assert.Equal(t, 3, cfg.LoginMaxAttempts)
	assert.True(t, cfg.TrustProxy)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := Load()
	assert.ErrorIs(t, err, ErrInsecureSecret)

	t.Setenv("JWT_SECRET", "a-real-secret")
	_, err = Load()
	assert.NoError(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.JWTTTL = 0 }},
		{"fractional ttl", func(c *Config) { c.JWTTTL = 1500 * time.Millisecond }},
		{"zero attempts", func(c *Config) { c.LoginMaxAttempts = 0 }},
		{"zero decay", func(c *Config) { c.LoginDecay = 0 }},
		{"zero register rate", func(c *Config) { c.RegisterPerMinute = 0 }},
		{"zero timeout", func(c *Config) { c.CollaboratorTimeout = 0 }},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "oracle" }},
		{"empty secret", func(c *Config) { c.JWTSecret = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
