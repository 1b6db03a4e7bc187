// Package config holds all configuration for the concurrency manager:
// pool shapes, group-commit timing, shutdown budget, and telemetry
// toggles, per the external interfaces table.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/namyoh/concmgr/internal/logging"
)

// PoolConfig describes the read or transaction pool.
type PoolConfig struct {
	CorePoolSize int // 0 => unbounded handoff pool; N>0 => fixed N.
}

// WriteServiceConfig describes the write pool and its group-commit
// behavior.
type WriteServiceConfig struct {
	CorePoolSize           int           // default 10
	MaximumPoolSize        int           // default 50, must be >= core
	KeepAliveTime          time.Duration // default 60s
	PrestartAllCoreThreads bool
	QueueCapacity          int           // default 1000; 0 or >5000 => unbounded linked queue
	GroupCommitTimeout     time.Duration // default 100ms; 0 disables grouping
}

// BackpressureConfig is the first-class policy called for by the
// design notes' open question, rather than a compiled-in constant.
type BackpressureConfig struct {
	Enabled   bool
	Threshold float64       // fraction of capacity that triggers backpressure
	Delay     time.Duration // sleep applied per retry
}

// Config is the top-level configuration for the concurrency manager.
type Config struct {
	ReadService  PoolConfig
	TxService    PoolConfig
	WriteService WriteServiceConfig
	Backpressure BackpressureConfig

	ShutdownTimeout        time.Duration // 0 => wait forever
	CollectQueueStatistics bool
}

// Default returns the configuration with the defaults from the
// external interfaces table.
func Default() *Config {
	return &Config{
		ReadService: PoolConfig{CorePoolSize: 0},
		TxService:   PoolConfig{CorePoolSize: 0},
		WriteService: WriteServiceConfig{
			CorePoolSize:           10,
			MaximumPoolSize:        50,
			KeepAliveTime:          60 * time.Second,
			PrestartAllCoreThreads: false,
			QueueCapacity:          1000,
			GroupCommitTimeout:     100 * time.Millisecond,
		},
		Backpressure: BackpressureConfig{
			Enabled:   true,
			Threshold: 0.91,
			Delay:     50 * time.Millisecond,
		},
		ShutdownTimeout:        30 * time.Second,
		CollectQueueStatistics: false,
	}
}

// Load builds a Config from defaults overlaid with a YAML/TOML/JSON
// file (if configPath is non-empty) and environment variables using
// the CONCMGR_ prefix (e.g. CONCMGR_WRITESERVICE_MAXIMUMPOOLSIZE). It
// follows the same viper precedence (environment over file, file over
// defaults) the lineage orchestrator and the lux EVM client use for
// layered configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CONCMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	out := &Config{
		ReadService: PoolConfig{CorePoolSize: v.GetInt("readservice.corepoolsize")},
		TxService:   PoolConfig{CorePoolSize: v.GetInt("txservice.corepoolsize")},
		WriteService: WriteServiceConfig{
			CorePoolSize:           v.GetInt("writeservice.corepoolsize"),
			MaximumPoolSize:        v.GetInt("writeservice.maximumpoolsize"),
			KeepAliveTime:          v.GetDuration("writeservice.keepalivetime"),
			PrestartAllCoreThreads: v.GetBool("writeservice.prestartallcorethreads"),
			QueueCapacity:          v.GetInt("writeservice.queuecapacity"),
			GroupCommitTimeout:     v.GetDuration("writeservice.groupcommittimeout"),
		},
		Backpressure: BackpressureConfig{
			Enabled:   v.GetBool("backpressure.enabled"),
			Threshold: v.GetFloat64("backpressure.threshold"),
			Delay:     v.GetDuration("backpressure.delay"),
		},
		ShutdownTimeout:        v.GetDuration("shutdowntimeout"),
		CollectQueueStatistics: v.GetBool("collectqueuestatistics"),
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("readservice.corepoolsize", cfg.ReadService.CorePoolSize)
	v.SetDefault("txservice.corepoolsize", cfg.TxService.CorePoolSize)
	v.SetDefault("writeservice.corepoolsize", cfg.WriteService.CorePoolSize)
	v.SetDefault("writeservice.maximumpoolsize", cfg.WriteService.MaximumPoolSize)
	v.SetDefault("writeservice.keepalivetime", cfg.WriteService.KeepAliveTime)
	v.SetDefault("writeservice.prestartallcorethreads", cfg.WriteService.PrestartAllCoreThreads)
	v.SetDefault("writeservice.queuecapacity", cfg.WriteService.QueueCapacity)
	v.SetDefault("writeservice.groupcommittimeout", cfg.WriteService.GroupCommitTimeout)
	v.SetDefault("backpressure.enabled", cfg.Backpressure.Enabled)
	v.SetDefault("backpressure.threshold", cfg.Backpressure.Threshold)
	v.SetDefault("backpressure.delay", cfg.Backpressure.Delay)
	v.SetDefault("shutdowntimeout", cfg.ShutdownTimeout)
	v.SetDefault("collectqueuestatistics", cfg.CollectQueueStatistics)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.WriteService.CorePoolSize < 0 {
		return fmt.Errorf("writeService.corePoolSize must be >= 0: %d", c.WriteService.CorePoolSize)
	}
	if c.WriteService.MaximumPoolSize < c.WriteService.CorePoolSize {
		return fmt.Errorf("writeService.maximumPoolSize (%d) must be >= corePoolSize (%d)",
			c.WriteService.MaximumPoolSize, c.WriteService.CorePoolSize)
	}
	if c.WriteService.QueueCapacity == 0 || c.WriteService.QueueCapacity > 5000 {
		logging.WithComponent("config").Warn().
			Int("queueCapacity", c.WriteService.QueueCapacity).
			Msg("writeService.queueCapacity outside (0, 5000] switches silently to an unbounded linked queue")
	}
	if c.Backpressure.Threshold <= 0 || c.Backpressure.Threshold > 1 {
		return fmt.Errorf("backpressure.threshold must be in (0, 1]: %v", c.Backpressure.Threshold)
	}
	return nil
}

// UsesUnboundedQueue reports whether the write pool's configured
// queue capacity falls into the unbounded case.
func (w WriteServiceConfig) UsesUnboundedQueue() bool {
	return w.QueueCapacity == 0 || w.QueueCapacity > 5000
}

// String renders the configuration for startup logs, in the same
// multi-line block style as the lineage database's own Config.String.
func (c *Config) String() string {
	return fmt.Sprintf(`Concurrency Manager Configuration:
  ReadService:
    CorePoolSize: %d
  TxService:
    CorePoolSize: %d
  WriteService:
    CorePoolSize: %d
    MaximumPoolSize: %d
    KeepAliveTime: %v
    PrestartAllCoreThreads: %v
    QueueCapacity: %d
    GroupCommitTimeout: %v
  Backpressure:
    Enabled: %v
    Threshold: %.2f
    Delay: %v
  ShutdownTimeout: %v
  CollectQueueStatistics: %v`,
		c.ReadService.CorePoolSize,
		c.TxService.CorePoolSize,
		c.WriteService.CorePoolSize, c.WriteService.MaximumPoolSize, c.WriteService.KeepAliveTime,
		c.WriteService.PrestartAllCoreThreads, c.WriteService.QueueCapacity, c.WriteService.GroupCommitTimeout,
		c.Backpressure.Enabled, c.Backpressure.Threshold, c.Backpressure.Delay,
		c.ShutdownTimeout, c.CollectQueueStatistics)
}
