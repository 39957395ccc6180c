package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsbx/internal/config"
)

func TestLoad_RequiresStoreDSN(t *testing.T) {
	t.Setenv("TSBX_STORE_DSN", "")
	t.Setenv("TSBX_TOKEN_SECRET", "secret")
	t.Setenv("TSBX_API_URL", "https://api.example")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TSBX_STORE_DSN", "postgres://localhost/tsbx")
	t.Setenv("TSBX_TOKEN_SECRET", "secret")
	t.Setenv("TSBX_API_URL", "https://api.example")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.RequestWorkerCount)
	assert.Equal(t, "tsbx-control-plane", cfg.TokenIssuer)
}
