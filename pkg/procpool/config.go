package procpool

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/procpool/procpool/internal/framing"
)

// Config holds all configuration for a procpool supervisor.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Worker  WorkerBinCfg  `mapstructure:"worker"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// PoolConfig defines worker pool settings. Immutable after Pool.Start.
type PoolConfig struct {
	WorkDir             string        `mapstructure:"work_dir"`
	PoolSize            int           `mapstructure:"pool_size"`
	KillTimeoutMs       int           `mapstructure:"kill_timeout_ms"`
	QueueWaitTimeoutMs  int           `mapstructure:"queue_wait_timeout_ms"`
	RecycleThreshold    int           `mapstructure:"recycle_threshold"`
	ReadinessTimeoutMs  int           `mapstructure:"readiness_timeout_ms"`
	Retries             int           `mapstructure:"retries"`
	Restart             RestartConfig `mapstructure:"restart"`
}

// KillTimeout is KillTimeoutMs as a time.Duration.
func (c PoolConfig) KillTimeout() time.Duration {
	return time.Duration(c.KillTimeoutMs) * time.Millisecond
}

// QueueWaitTimeout is QueueWaitTimeoutMs as a time.Duration.
func (c PoolConfig) QueueWaitTimeout() time.Duration {
	return time.Duration(c.QueueWaitTimeoutMs) * time.Millisecond
}

// ReadinessTimeout is ReadinessTimeoutMs as a time.Duration.
func (c PoolConfig) ReadinessTimeout() time.Duration {
	return time.Duration(c.ReadinessTimeoutMs) * time.Millisecond
}

// Validate enforces PoolConfig's invariants.
func (c PoolConfig) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("pool.work_dir must be set")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool.pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.RecycleThreshold < 1 {
		return fmt.Errorf("pool.recycle_threshold must be >= 1, got %d", c.RecycleThreshold)
	}
	if c.Retries < 0 {
		return fmt.Errorf("pool.retries must be >= 0, got %d", c.Retries)
	}
	return nil
}

// RestartConfig defines the backoff policy for background repopulation:
// exponential backoff capped at MaxBackoff, abandoned after MaxAttempts
// consecutive failures.
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff_ms"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff_ms"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// WorkerBinCfg locates the worker binary. It is launched with argv
// [workerBinaryPath, socketPath] and an empty environment.
type WorkerBinCfg struct {
	BinaryPath string `mapstructure:"binary_path"`
}

// AdminConfig configures the admin/introspection channel: event
// subscription and point-in-time metrics snapshots over a separate,
// optionally HMAC-authenticated socket.
type AdminConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SocketName   string `mapstructure:"socket_name"`
	HMACSecret   string `mapstructure:"hmac_secret"`
	MaxFrameSize int    `mapstructure:"max_frame_size"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines Prometheus metrics exposition settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment, layered as:
// defaults, then YAML file, then PROCPOOL_-prefixed environment
// overrides.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/procpool")
	}

	v.SetEnvPrefix("PROCPOOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// viper unmarshals these as raw ints; the restart backoff fields are
	// configured in milliseconds and need conversion to time.Duration.
	cfg.Pool.Restart.InitialBackoff *= time.Millisecond
	cfg.Pool.Restart.MaxBackoff *= time.Millisecond

	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.work_dir", "/tmp/procpool")
	v.SetDefault("pool.pool_size", 4)
	v.SetDefault("pool.kill_timeout_ms", 5000)
	v.SetDefault("pool.queue_wait_timeout_ms", 5000)
	v.SetDefault("pool.recycle_threshold", 100)
	v.SetDefault("pool.readiness_timeout_ms", 5000)
	v.SetDefault("pool.retries", 1)
	v.SetDefault("pool.restart.max_attempts", 10)
	v.SetDefault("pool.restart.initial_backoff_ms", 50)
	v.SetDefault("pool.restart.max_backoff_ms", 1000)
	v.SetDefault("pool.restart.multiplier", 2.0)

	v.SetDefault("worker.binary_path", "./procworker")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.socket_name", "admin.sock")
	v.SetDefault("admin.hmac_secret", "")
	v.SetDefault("admin.max_frame_size", framing.DefaultMaxFrameSize)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
