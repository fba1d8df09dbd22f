package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	for _, key := range []string{
		"BACKEND_URL", "BACKEND_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "APP_NAME", "CONFIG_FILE", "LLM_TEMPERATURE",
	} {
		if v, ok := os.LookupEnv(key); ok {
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, v) })
		}
	}
}

func TestLoad_FailsWithoutBackendURL(t *testing.T) {
	isolate(t)
	t.Setenv("BACKEND_KEY", "secret")

	_, err := Load()
	require.ErrorIs(t, err, ErrMissingRequired)
	assert.Contains(t, err.Error(), "BACKEND_URL")
}

func TestLoad_FailsWithoutBackendKey(t *testing.T) {
	isolate(t)
	t.Setenv("BACKEND_URL", "sqlite://test.db")

	_, err := Load()
	require.ErrorIs(t, err, ErrMissingRequired)
	assert.Contains(t, err.Error(), "BACKEND_KEY")
}

func TestLoad_DefaultsAndWarnings(t *testing.T) {
	isolate(t)
	t.Setenv("BACKEND_URL", "sqlite://test.db")
	t.Setenv("BACKEND_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "AI Application", cfg.App.Name)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.False(t, cfg.RedisEnabled())
	assert.False(t, cfg.RabbitMQEnabled())
	require.Len(t, cfg.Warnings(), 1)

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Warnings())
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[app]
name = "From File"
port = 9090

[backend]
url = "sqlite://file.db"
key = "file-key"

[llm]
temperature = 0.2
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("APP_NAME", "From Env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "From Env", cfg.App.Name)
	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, "sqlite://file.db", cfg.Backend.URL)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
}

func TestLoad_ReadsDotenvWithoutOverriding(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(".env.local", []byte("BACKEND_URL=sqlite://dotenv.db\nBACKEND_KEY=dotenv-key\n"), 0o600))
	t.Setenv("BACKEND_KEY", "env-key")
	t.Cleanup(func() { os.Unsetenv("BACKEND_URL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite://dotenv.db", cfg.Backend.URL)
	assert.Equal(t, "env-key", cfg.Backend.Key)
}
