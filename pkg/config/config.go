// Package config provides a reusable loader for micropay configuration
// files and environment variables, adapted from the teacher's versioned
// viper-backed loader: a base "default" file merged with an optional
// environment-named overlay, then environment-variable overrides.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// EndpointConfig describes one broadcast endpoint (spec §6 endpoints[]).
type EndpointConfig struct {
	Name       string `mapstructure:"name" json:"name"`
	URL        string `mapstructure:"url" json:"url"`
	Credential string `mapstructure:"credential" json:"credential"`
	Priority   int    `mapstructure:"priority" json:"priority"`
	TimeoutMS  int    `mapstructure:"timeout_ms" json:"timeout_ms"`
	MaxRetries int    `mapstructure:"max_retries" json:"max_retries"`
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
}

// BatcherConfig mirrors spec §6's batcher-tuning options.
type BatcherConfig struct {
	MinBatchSize         int  `mapstructure:"min_batch_size" json:"min_batch_size"`
	MaxBatchSize         int  `mapstructure:"max_batch_size" json:"max_batch_size"`
	MinBatchTimeoutMS    int  `mapstructure:"min_batch_timeout_ms" json:"min_batch_timeout_ms"`
	MaxBatchTimeoutMS    int  `mapstructure:"max_batch_timeout_ms" json:"max_batch_timeout_ms"`
	HighLoadEventsPerSec int  `mapstructure:"high_load_events_per_sec" json:"high_load_events_per_sec"`
	LowLoadEventsPerSec  int  `mapstructure:"low_load_events_per_sec" json:"low_load_events_per_sec"`
	TargetLatencyMS      int  `mapstructure:"target_latency_ms" json:"target_latency_ms"`
	MaxQueueSize         int  `mapstructure:"max_queue_size" json:"max_queue_size"`
	MaxBatchesInMemory   int  `mapstructure:"max_batches_in_memory" json:"max_batches_in_memory"`
	TuningIntervalMS     int  `mapstructure:"tuning_interval_ms" json:"tuning_interval_ms"`
	AggressiveTuning     bool `mapstructure:"aggressive_tuning" json:"aggressive_tuning"`
}

// ChannelConfig mirrors spec §6's pricing and safety-limit options.
type ChannelConfig struct {
	StandardBlockSize      uint64 `mapstructure:"standard_block_size" json:"standard_block_size"`
	StandardRate           uint64 `mapstructure:"standard_rate" json:"standard_rate"`
	MinPaymentAmount       uint64 `mapstructure:"min_payment_amount" json:"min_payment_amount"`
	MaxPaymentAmount       uint64 `mapstructure:"max_payment_amount" json:"max_payment_amount"`
	WithdrawalPerTx        uint64 `mapstructure:"withdrawal_per_transaction" json:"withdrawal_per_transaction"`
	WithdrawalDaily        uint64 `mapstructure:"withdrawal_daily" json:"withdrawal_daily"`
	MaxRetries             int    `mapstructure:"max_retries" json:"max_retries"`
	RetryBackoffMS         int    `mapstructure:"retry_backoff_ms" json:"retry_backoff_ms"`
}

// DispatcherConfig mirrors spec §6's broadcast/endpoint options.
type DispatcherConfig struct {
	Endpoints                []EndpointConfig `mapstructure:"endpoints" json:"endpoints"`
	DefaultTimeoutMS         int              `mapstructure:"default_timeout_ms" json:"default_timeout_ms"`
	MaxConcurrentBroadcasts  int              `mapstructure:"max_concurrent_broadcasts" json:"max_concurrent_broadcasts"`
	BatchSize                int              `mapstructure:"batch_size" json:"batch_size"`
	RetryBackoffMS           int              `mapstructure:"retry_backoff_ms" json:"retry_backoff_ms"`
	CircuitBreakerThreshold  int              `mapstructure:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerResetMS    int              `mapstructure:"circuit_breaker_reset_time_ms" json:"circuit_breaker_reset_time_ms"`
	RateLimitPerSecond       int              `mapstructure:"rate_limit_per_second" json:"rate_limit_per_second"`
	MaxQueueSize             int              `mapstructure:"max_queue_size" json:"max_queue_size"`
}

// ScriptConfig mirrors spec §4.4's fee estimation rate plus the
// timelocked-lock early-withdraw penalty. The payment bounds the Composer
// validates amounts against are taken from ChannelConfig.
type ScriptConfig struct {
	FeeRateSatPerByte       float64 `mapstructure:"fee_rate_sat_per_byte" json:"fee_rate_sat_per_byte"`
	EarlyWithdrawPenaltyBps uint64  `mapstructure:"early_withdraw_penalty_bps" json:"early_withdraw_penalty_bps"`
}

// SupervisorConfig controls lifecycle/checkpoint behavior (SPEC_FULL §4.5).
type SupervisorConfig struct {
	ShutdownGraceMS   int `mapstructure:"shutdown_grace_ms" json:"shutdown_grace_ms"`
	CheckpointEveryMS int `mapstructure:"checkpoint_every_ms" json:"checkpoint_every_ms"`
}

// LoggingConfig controls the shared logrus logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// Config is the unified configuration for a micropay Supervisor instance.
type Config struct {
	Batcher    BatcherConfig    `mapstructure:"batcher" json:"batcher"`
	Channel    ChannelConfig    `mapstructure:"channel" json:"channel"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" json:"dispatcher"`
	Script     ScriptConfig     `mapstructure:"script" json:"script"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" json:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
}

// Defaults returns the spec's nominal defaults (16 KiB blocks at 17 sats,
// aggressive-factor bounds in [1.2, 1.5], memory bounds per §5).
func Defaults() Config {
	var c Config
	c.Batcher = BatcherConfig{
		MinBatchSize: 10, MaxBatchSize: 500,
		MinBatchTimeoutMS: 50, MaxBatchTimeoutMS: 2000,
		HighLoadEventsPerSec: 1000, LowLoadEventsPerSec: 50,
		TargetLatencyMS: 150, MaxQueueSize: 2000, MaxBatchesInMemory: 100,
		TuningIntervalMS: 1000, AggressiveTuning: false,
	}
	c.Channel = ChannelConfig{
		StandardBlockSize: 16384, StandardRate: 17,
		MinPaymentAmount: 1, MaxPaymentAmount: 1_000_000,
		WithdrawalPerTx: 100_000, WithdrawalDaily: 1_000_000,
		MaxRetries: 3, RetryBackoffMS: 100,
	}
	c.Dispatcher = DispatcherConfig{
		DefaultTimeoutMS: 5000, MaxConcurrentBroadcasts: 8, BatchSize: 50,
		RetryBackoffMS: 250, CircuitBreakerThreshold: 5,
		CircuitBreakerResetMS: 30_000, RateLimitPerSecond: 50,
		MaxQueueSize: 1000,
	}
	c.Script = ScriptConfig{FeeRateSatPerByte: 0.5, EarlyWithdrawPenaltyBps: 500}
	c.Supervisor = SupervisorConfig{ShutdownGraceMS: 5000, CheckpointEveryMS: 60_000}
	c.Logging = LoggingConfig{Level: "info"}
	return c
}

func applyDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("batcher.min_batch_size", d.Batcher.MinBatchSize)
	v.SetDefault("batcher.max_batch_size", d.Batcher.MaxBatchSize)
	v.SetDefault("batcher.min_batch_timeout_ms", d.Batcher.MinBatchTimeoutMS)
	v.SetDefault("batcher.max_batch_timeout_ms", d.Batcher.MaxBatchTimeoutMS)
	v.SetDefault("batcher.high_load_events_per_sec", d.Batcher.HighLoadEventsPerSec)
	v.SetDefault("batcher.low_load_events_per_sec", d.Batcher.LowLoadEventsPerSec)
	v.SetDefault("batcher.target_latency_ms", d.Batcher.TargetLatencyMS)
	v.SetDefault("batcher.max_queue_size", d.Batcher.MaxQueueSize)
	v.SetDefault("batcher.max_batches_in_memory", d.Batcher.MaxBatchesInMemory)
	v.SetDefault("batcher.tuning_interval_ms", d.Batcher.TuningIntervalMS)
	v.SetDefault("batcher.aggressive_tuning", d.Batcher.AggressiveTuning)

	v.SetDefault("channel.standard_block_size", d.Channel.StandardBlockSize)
	v.SetDefault("channel.standard_rate", d.Channel.StandardRate)
	v.SetDefault("channel.min_payment_amount", d.Channel.MinPaymentAmount)
	v.SetDefault("channel.max_payment_amount", d.Channel.MaxPaymentAmount)
	v.SetDefault("channel.withdrawal_per_transaction", d.Channel.WithdrawalPerTx)
	v.SetDefault("channel.withdrawal_daily", d.Channel.WithdrawalDaily)
	v.SetDefault("channel.max_retries", d.Channel.MaxRetries)
	v.SetDefault("channel.retry_backoff_ms", d.Channel.RetryBackoffMS)

	v.SetDefault("dispatcher.default_timeout_ms", d.Dispatcher.DefaultTimeoutMS)
	v.SetDefault("dispatcher.max_concurrent_broadcasts", d.Dispatcher.MaxConcurrentBroadcasts)
	v.SetDefault("dispatcher.batch_size", d.Dispatcher.BatchSize)
	v.SetDefault("dispatcher.retry_backoff_ms", d.Dispatcher.RetryBackoffMS)
	v.SetDefault("dispatcher.circuit_breaker_threshold", d.Dispatcher.CircuitBreakerThreshold)
	v.SetDefault("dispatcher.circuit_breaker_reset_time_ms", d.Dispatcher.CircuitBreakerResetMS)
	v.SetDefault("dispatcher.rate_limit_per_second", d.Dispatcher.RateLimitPerSecond)
	v.SetDefault("dispatcher.max_queue_size", d.Dispatcher.MaxQueueSize)

	v.SetDefault("script.fee_rate_sat_per_byte", d.Script.FeeRateSatPerByte)
	v.SetDefault("script.early_withdraw_penalty_bps", d.Script.EarlyWithdrawPenaltyBps)

	v.SetDefault("supervisor.shutdown_grace_ms", d.Supervisor.ShutdownGraceMS)
	v.SetDefault("supervisor.checkpoint_every_ms", d.Supervisor.CheckpointEveryMS)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// Loader loads configuration from a base file plus an optional named
// overlay, environment variables, and an optional .env file. It wraps an
// isolated *viper.Viper instance (not the global package-level viper) so
// multiple Loaders never interfere with each other in tests.
type Loader struct {
	v        *viper.Viper
	envFile  string
	envName  string
	searchIn []string
}

// NewLoader constructs a Loader. searchPaths are directories to search for
// "default.yaml" and "<env>.yaml"; at least one should be supplied in
// production, tests may pass a temp directory.
func NewLoader(searchPaths ...string) *Loader {
	return &Loader{v: viper.New(), searchIn: searchPaths}
}

// WithDotEnv loads key=value pairs from path into the process environment
// before Viper reads it, mirroring the teacher's ".env via AutomaticEnv"
// comment made literal with godotenv.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads "default" plus, if env is non-empty, a "<env>" overlay,
// applies defaults for anything unset, and unmarshals into a Config.
func (l *Loader) Load(env string) (*Config, error) {
	if l.envFile != "" {
		_ = godotenv.Load(l.envFile) // optional; absence is not an error
	}

	applyDefaults(l.v)

	l.v.SetConfigName("default")
	l.v.SetConfigType("yaml")
	for _, p := range l.searchIn {
		l.v.AddConfigPath(p)
	}
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if env != "" {
		l.v.SetConfigName(env)
		if err := l.v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("merge %s config: %w", env, err)
			}
		}
	}

	l.v.SetEnvPrefix("MICROPAY")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the MICROPAY_ENV environment
// variable to select the overlay file, searching the given paths.
func LoadFromEnv(searchPaths ...string) (*Config, error) {
	env := os.Getenv("MICROPAY_ENV")
	return NewLoader(searchPaths...).Load(env)
}

// clampDuration turns a millisecond config field into a time.Duration;
// it backs MS, which the CLI uses when building each subsystem's config.
func clampDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// MS converts a millisecond int config field to a time.Duration.
func MS(ms int) time.Duration { return clampDuration(ms) }
