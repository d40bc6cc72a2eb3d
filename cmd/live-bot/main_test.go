package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, loadEnvFile(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("EXEC_CORE_TEST_VAR=present\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("EXEC_CORE_TEST_VAR") })
	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "present", os.Getenv("EXEC_CORE_TEST_VAR"))
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Len(t, cfg.Venues, 1)
	assert.Equal(t, "paper", cfg.Venues[0].Name)

	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  session: from-file\n  dry_run: true\n"), 0644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Engine.Session)
	assert.True(t, cfg.Engine.DryRun)

	_, err = loadConfig(filepath.Join(t.TempDir(), "session.toml"))
	assert.Error(t, err)
}
