package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_FileOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.conf")
	require.NoError(t, os.WriteFile(path, []byte(`[pdoflow]
database_name = pdoflow_test
username = pdoflow
password = secret
host = db.internal
port = 5433
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "pdoflow_test", cfg.Database)
	require.Equal(t, "pdoflow", cfg.Username)
	require.Equal(t, "db.internal", cfg.Host)
	require.Equal(t, 5433, cfg.Port)
	require.EqualValues(t, 25, cfg.DBMaxConns) // untouched default survives
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.conf")
	require.NoError(t, os.WriteFile(path, []byte(`[pdoflow]
database_name = pdoflow_test
username = pdoflow
host = db.internal
`), 0o600))

	t.Setenv("PDOFLOW_HOST", "env-host")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-host", cfg.Host)
	require.Equal(t, "pdoflow_test", cfg.Database)
}

func TestLoad_MissingFileUsesEnvAndDefaults(t *testing.T) {
	t.Setenv("PDOFLOW_DATABASE", "envdb")
	t.Setenv("PDOFLOW_USERNAME", "envuser")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	require.Equal(t, "envdb", cfg.Database)
	require.Equal(t, "envuser", cfg.Username)
	require.Equal(t, "localhost", cfg.Host)
	require.Equal(t, 5432, cfg.Port)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.Error(t, err)
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "h", Port: 1, Database: "d", Username: "u", Password: "p"}
	require.Equal(t, "postgres://u:p@h:1/d", cfg.DSN())
}
