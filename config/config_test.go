package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/store"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "quarry.db", cfg.StorePath)
	assert.Equal(t, "full", cfg.Durability)
	assert.Equal(t, 5, cfg.LockMaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.LockBaseDelay)
	assert.Equal(t, 2.0, cfg.LockMultiplier)
	assert.Equal(t, 5*time.Second, cfg.LockMaxElapsed)

	assert.NoError(t, cfg.RetryPolicy().Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUARRY_STORE_PATH", "/tmp/app.db")
	t.Setenv("QUARRY_DURABILITY", "normal")
	t.Setenv("QUARRY_LOCK_MAX_ATTEMPTS", "8")
	t.Setenv("QUARRY_LOCK_BASE_DELAY", "25ms")

	cfg, err := Load()
	require.NoError(t, err)

	opts := cfg.StoreOptions()
	assert.Equal(t, "/tmp/app.db", opts.Path)
	assert.Equal(t, store.DurabilityNormal, opts.Durability)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 8, policy.MaxAttempts)
	assert.Equal(t, 25*time.Millisecond, policy.BaseDelay)
}

func TestLoad_RejectsUnknownDurability(t *testing.T) {
	t.Setenv("QUARRY_DURABILITY", "paranoid")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown durability mode")
}
