package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)
}

func TestLoadParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "env:\n  FOO: bar\nkey_overrides:\n  - name: F5\n    sequence: \"\\\\x1b[15~\"\nscrollback_bytes: 4096\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "bar", cfg.Env["FOO"])
	require.Equal(t, 4096, cfg.ScrollbackBytes)
	require.Len(t, cfg.KeyOverrides, 1)
	require.Equal(t, "F5", cfg.KeyOverrides[0].Name)
}

func TestEnvListIsSortedAndFormatted(t *testing.T) {
	cfg := Config{Env: map[string]string{"ZED": "1", "ABC": "2"}}
	require.Equal(t, []string{"ABC=2", "ZED=1"}, cfg.EnvList())
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: [this is not a map"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
