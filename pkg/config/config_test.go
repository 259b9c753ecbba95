package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.Pool.StartTimeout)
	assert.Equal(t, "/run/corral/control.sock", cfg.Control.Socket)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "corral.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log:
  level: debug
  json: true
store:
  data_dir: /tmp/corral
pool:
  drain_timeout: 5s
  restart_budget: 2
`), 0o644))

	t.Setenv("CORRAL_POOL_RESTART_BUDGET", "9")
	t.Setenv("CORRAL_CONTROL_ADMIN_ADDR", "127.0.0.1:9090")

	cfg, err := Load(NewViper(), file)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "/tmp/corral", cfg.Store.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Pool.DrainTimeout)
	assert.Equal(t, 9, cfg.Pool.RestartBudget)
	assert.Equal(t, "127.0.0.1:9090", cfg.Control.AdminAddr)
}

func TestLoadFlagsOverride(t *testing.T) {
	v := NewViper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("socket", "", "")
	require.NoError(t, v.BindPFlag("control.socket", flags.Lookup("socket")))
	require.NoError(t, flags.Parse([]string{"--socket", "/tmp/c.sock"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c.sock", cfg.Control.Socket)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())

	cfg.Pool.StartTimeout = 0
	cfg.Pool.RestartBudget = 0
	cfg.Store.HistoryLimit = -1
	cfg.Control.Socket = ""

	errs := cfg.Validate()
	require.Len(t, errs, 4)
	assert.Contains(t, errs.Error(), "4 validation errors")
	assert.Contains(t, errs.Error(), "pool.start_timeout")

	v := NewViper()
	v.Set("pool.stop_timeout", "0s")
	_, err := Load(v, "")
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "pool.stop_timeout", verrs[0].Field)
}
