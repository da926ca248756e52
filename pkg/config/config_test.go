package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
	assert.Equal(t, DefaultBindAddr, cfg.BindAddr)
	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, DefaultRealm, cfg.Realm)
	assert.Equal(t, DefaultMaxAuthAttempts, cfg.MaxAuthAttempts)
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		UserAgent:       "custom/1.0",
		BindAddr:        "127.0.0.1:5080",
		Transport:       "tcp",
		Realm:           "example.com",
		MaxAuthAttempts: 2,
	}.WithDefaults()

	assert.Equal(t, "custom/1.0", cfg.UserAgent)
	assert.Equal(t, "127.0.0.1:5080", cfg.BindAddr)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, "example.com", cfg.Realm)
	assert.Equal(t, 2, cfg.MaxAuthAttempts)
}
