package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoad_SQLiteFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/knock-test.db")
	t.Setenv("WORKERS", "7")
	t.Setenv("IMAGE_TIMEOUT", "5s")
	t.Setenv("REMOTE_IMAGE_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.StoreDriver)
	require.Equal(t, "/tmp/knock-test.db", cfg.SQLitePath)
	require.Equal(t, 7, cfg.Workers)
	require.Equal(t, 5*time.Second, cfg.ImageTimeout)
	require.False(t, cfg.RemoteImageEnabled)
	require.Equal(t, "en", cfg.DefaultLanguage)
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestLoad_UnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knock.yaml")
	body := "store_driver: sqlite\nsqlite_path: " + filepath.Join(dir, "k.db") + "\nport: \"9090\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, DriverSQLite, cfg.StoreDriver)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "k.db"))

	fs := pflag.NewFlagSet("knockctl", pflag.ContinueOnError)
	fs.String("store", "", "")
	require.NoError(t, fs.Parse([]string{"--store", "sqlite"}))

	cfg, err := Load("", BindFlag("store_driver", fs.Lookup("store")))
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.StoreDriver)

	_, err = Load("", BindFlag("store_driver", fs.Lookup("missing")))
	require.Error(t, err)
}

func TestRequireRedis(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.RequireRedis())
	cfg.RedisAddr = "localhost:6379"
	require.NoError(t, cfg.RequireRedis())
}

func TestRedactDSN(t *testing.T) {
	require.Equal(t,
		"postgres://knock:****@db:5432/knock?sslmode=disable",
		RedactDSN("postgres://knock:secret@db:5432/knock?sslmode=disable"),
	)
	require.Equal(t, "postgres://db:5432/knock", RedactDSN("postgres://db:5432/knock"))
}
