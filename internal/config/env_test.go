package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv_Defaults(t *testing.T) {
	env, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, "local", env.Env)
	assert.Equal(t, "3100", env.HTTPPort)
	assert.Equal(t, "local", env.StorageEnv.Type)
	assert.Equal(t, 3, env.MaxImplementIterations)
	assert.Equal(t, slog.LevelInfo, env.SlogLevel())
	assert.False(t, env.VAPIDEnv.Enabled())

	budget, err := env.Budget()
	require.NoError(t, err)
	assert.Equal(t, "10", budget.String())
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("PHASEGUILD_STORAGE_TYPE", "sqlite")
	t.Setenv("PHASEGUILD_SQLITE_PATH", "/tmp/pg.db")
	t.Setenv("PHASEGUILD_MAX_IMPLEMENT_ITERATIONS", "5")
	t.Setenv("PHASEGUILD_LOG_LEVEL", "debug")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", env.StorageEnv.Type)
	assert.Equal(t, "/tmp/pg.db", env.SQLitePath)
	assert.Equal(t, 5, env.MaxImplementIterations)
	assert.Equal(t, slog.LevelDebug, env.SlogLevel())
}

func TestLoadEnv_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"storage type":   {"PHASEGUILD_STORAGE_TYPE": "ftp"},
		"s3 bucket":      {"PHASEGUILD_STORAGE_TYPE": "s3"},
		"iteration cap":  {"PHASEGUILD_MAX_IMPLEMENT_ITERATIONS": "0"},
		"default budget": {"PHASEGUILD_DEFAULT_BUDGET": "ten"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := LoadEnv()
			assert.Error(t, err)
		})
	}
}
