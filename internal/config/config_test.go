package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaultsToDevelopment(t *testing.T) {
	c := Load()
	assert.Equal(t, "development", c.Environment)
	assert.False(t, c.IsProduction())
	assert.Equal(t, "*", c.CORSOrigin)
	assert.False(t, c.EnableRateLimit)
}

func TestLoadProductionEnablesRateLimitAndIdleTimeout(t *testing.T) {
	t.Setenv("SHELLTENDER_ENV", "production")
	c := Load()
	assert.True(t, c.IsProduction())
	assert.True(t, c.EnableRateLimit)
	assert.Equal(t, int64(3600_000), c.SessionIdleTimeoutMs)
	assert.Empty(t, c.CORSOrigin)
}

func TestLoadInvalidPortFallsBackWithWarning(t *testing.T) {
	t.Setenv("SHELLTENDER_PORT", "not-a-number")
	c := Load()
	assert.Equal(t, defaultPort, c.Port)
	assert.NotEmpty(t, c.Warnings)
}

func TestLoadWSPathCoercesMissingLeadingSlash(t *testing.T) {
	t.Setenv("SHELLTENDER_WS_PATH", "terminal")
	c := Load()
	assert.Equal(t, "/terminal", c.WSPath)
	assert.NotEmpty(t, c.Warnings)
}

func TestApplyOptionsOverridesPortFromFloat(t *testing.T) {
	c := Load()
	merged := c.ApplyOptions(Options{Port: float64(4000)})
	assert.Equal(t, 4000, merged.Port)
}

func TestApplyOptionsRejectsNegativeMaxSessions(t *testing.T) {
	c := Load()
	merged := c.ApplyOptions(Options{MaxSessions: -1})
	assert.Equal(t, defaultMaxSessions, merged.MaxSessions)
	assert.NotEmpty(t, merged.Warnings)
}
