package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CORRAL_LOG_LEVEL
const EnvPrefix = "CORRAL"

// Config holds the daemon settings for corral serve and corral init
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Control      ControlConfig      `mapstructure:"control"`
	Store        StoreConfig        `mapstructure:"store"`
	Pool         PoolConfig         `mapstructure:"pool"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlplane"`
	Shutdown     ShutdownConfig     `mapstructure:"shutdown"`
	Watch        WatchConfig        `mapstructure:"watch"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
}

// LogConfig controls log output
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// ControlConfig controls where the control interface listens
type ControlConfig struct {
	// Socket is the unix socket path of the control API
	Socket string `mapstructure:"socket"`
	// AdminAddr optionally exposes the same API on TCP; empty disables it
	AdminAddr string `mapstructure:"admin_addr"`
}

// StoreConfig controls version persistence
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// HistoryLimit is how many inactive versions are kept; 0 keeps all
	HistoryLimit int `mapstructure:"history_limit"`
}

// PoolConfig holds the defaults applied to groups that leave a field unset
type PoolConfig struct {
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	HealthRetries  int           `mapstructure:"health_retries"`
	RestartBudget  int           `mapstructure:"restart_budget"`
	RestartWindow  time.Duration `mapstructure:"restart_window"`
}

// ControlPlaneConfig controls convergence
type ControlPlaneConfig struct {
	// ConvergeTimeout bounds how long a version may stay converging
	ConvergeTimeout time.Duration `mapstructure:"converge_timeout"`
	// CollectInterval is how often state gauges are refreshed
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// ShutdownConfig controls serve shutdown
type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

// WatchConfig controls the document file watcher
type WatchConfig struct {
	File     string        `mapstructure:"file"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// SupervisorConfig controls corral init
type SupervisorConfig struct {
	Grace        time.Duration `mapstructure:"grace"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	Subreaper    bool          `mapstructure:"subreaper"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Control: ControlConfig{
			Socket: "/run/corral/control.sock",
		},
		Store: StoreConfig{
			DataDir:      "/var/lib/corral",
			HistoryLimit: 50,
		},
		Pool: PoolConfig{
			StartTimeout:   30 * time.Second,
			DrainTimeout:   30 * time.Second,
			StopTimeout:    10 * time.Second,
			HealthInterval: time.Second,
			HealthTimeout:  2 * time.Second,
			HealthRetries:  3,
			RestartBudget:  5,
			RestartWindow:  time.Minute,
		},
		ControlPlane: ControlPlaneConfig{
			ConvergeTimeout: 2 * time.Minute,
			CollectInterval: 15 * time.Second,
		},
		Shutdown: ShutdownConfig{
			Grace: 30 * time.Second,
		},
		Watch: WatchConfig{
			Debounce: 250 * time.Millisecond,
		},
		Supervisor: SupervisorConfig{
			Grace:        35 * time.Second,
			ReapInterval: time.Second,
			Subreaper:    true,
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	v.SetDefault("control.socket", d.Control.Socket)
	v.SetDefault("control.admin_addr", d.Control.AdminAddr)

	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.history_limit", d.Store.HistoryLimit)

	v.SetDefault("pool.start_timeout", d.Pool.StartTimeout)
	v.SetDefault("pool.drain_timeout", d.Pool.DrainTimeout)
	v.SetDefault("pool.stop_timeout", d.Pool.StopTimeout)
	v.SetDefault("pool.health_interval", d.Pool.HealthInterval)
	v.SetDefault("pool.health_timeout", d.Pool.HealthTimeout)
	v.SetDefault("pool.health_retries", d.Pool.HealthRetries)
	v.SetDefault("pool.restart_budget", d.Pool.RestartBudget)
	v.SetDefault("pool.restart_window", d.Pool.RestartWindow)

	v.SetDefault("controlplane.converge_timeout", d.ControlPlane.ConvergeTimeout)
	v.SetDefault("controlplane.collect_interval", d.ControlPlane.CollectInterval)

	v.SetDefault("shutdown.grace", d.Shutdown.Grace)

	v.SetDefault("watch.file", d.Watch.File)
	v.SetDefault("watch.debounce", d.Watch.Debounce)

	v.SetDefault("supervisor.grace", d.Supervisor.Grace)
	v.SetDefault("supervisor.reap_interval", d.Supervisor.ReapInterval)
	v.SetDefault("supervisor.subreaper", d.Supervisor.Subreaper)
}

// NewViper returns a viper instance with defaults and CORRAL_* environment
// overrides registered
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional settings file into v and returns the validated
// configuration. Flags bound to v with BindPFlag take precedence over the
// file and the environment.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}
