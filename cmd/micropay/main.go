package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bsv-streaming/micropay/internal/batcher"
	"github.com/bsv-streaming/micropay/internal/channel"
	"github.com/bsv-streaming/micropay/internal/clock"
	"github.com/bsv-streaming/micropay/internal/dispatcher"
	"github.com/bsv-streaming/micropay/internal/model"
	"github.com/bsv-streaming/micropay/internal/script"
	"github.com/bsv-streaming/micropay/internal/supervisor"
	"github.com/bsv-streaming/micropay/pkg/config"
)

var configPaths []string

func main() {
	root := &cobra.Command{Use: "micropay"}
	root.PersistentFlags().StringSliceVar(&configPaths, "config-path", []string{".", "config"}, "directories to search for default.yaml/<env>.yaml")
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(channelCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	env := os.Getenv("MICROPAY_ENV")
	return config.NewLoader(configPaths...).Load(env)
}

func newLogger(cfg config.LoggingConfig) *logrus.Entry {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			log.SetOutput(f)
		}
	}
	return logrus.NewEntry(log)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the micropay supervisor until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg.Logging)

			sched := clock.New()
			metrics, obs := supervisor.NewMetricsObserver()

			b := batcher.New(batcher.Config{
				MinBatchSize: cfg.Batcher.MinBatchSize, MaxBatchSize: cfg.Batcher.MaxBatchSize,
				MinBatchTimeout: config.MS(cfg.Batcher.MinBatchTimeoutMS), MaxBatchTimeout: config.MS(cfg.Batcher.MaxBatchTimeoutMS),
				HighLoadEventsPerSec: float64(cfg.Batcher.HighLoadEventsPerSec), LowLoadEventsPerSec: float64(cfg.Batcher.LowLoadEventsPerSec),
				TargetLatency: config.MS(cfg.Batcher.TargetLatencyMS), MaxQueueSize: cfg.Batcher.MaxQueueSize,
				MaxBatchesInMemory: cfg.Batcher.MaxBatchesInMemory, TuningInterval: config.MS(cfg.Batcher.TuningIntervalMS),
				AggressiveTuning: cfg.Batcher.AggressiveTuning,
			}, sched, obs, log.WithField("component", "batcher"))

			composer := script.NewComposer(script.Config{
				FeeRatePerByte:          cfg.Script.FeeRateSatPerByte,
				MinPaymentAmount:        cfg.Channel.MinPaymentAmount,
				MaxPaymentAmount:        cfg.Channel.MaxPaymentAmount,
				EarlyWithdrawPenaltyBps: cfg.Script.EarlyWithdrawPenaltyBps,
			})

			endpoints := make([]dispatcher.EndpointConfig, 0, len(cfg.Dispatcher.Endpoints))
			for _, e := range cfg.Dispatcher.Endpoints {
				endpoints = append(endpoints, dispatcher.EndpointConfig{
					Name: e.Name, URL: e.URL, Credential: e.Credential, Priority: e.Priority,
					Timeout: config.MS(e.TimeoutMS), MaxRetries: e.MaxRetries, Enabled: e.Enabled,
				})
			}
			d, err := dispatcher.New(dispatcher.Config{
				Endpoints: endpoints, DefaultTimeout: config.MS(cfg.Dispatcher.DefaultTimeoutMS),
				MaxConcurrentBroadcasts: cfg.Dispatcher.MaxConcurrentBroadcasts, BatchSize: cfg.Dispatcher.BatchSize,
				RetryBackoff: config.MS(cfg.Dispatcher.RetryBackoffMS), CircuitBreakerThreshold: cfg.Dispatcher.CircuitBreakerThreshold,
				CircuitBreakerResetTime: config.MS(cfg.Dispatcher.CircuitBreakerResetMS), RateLimitPerSecond: cfg.Dispatcher.RateLimitPerSecond,
				MaxQueueSize: cfg.Dispatcher.MaxQueueSize,
			}, dispatcher.NewHTTPTransport(5*time.Minute), log.WithField("component", "dispatcher"))
			if err != nil {
				return err
			}

			chMgr := channel.New(channel.Config{
				StandardBlockSize: cfg.Channel.StandardBlockSize, StandardRate: cfg.Channel.StandardRate,
				MinPaymentAmount: cfg.Channel.MinPaymentAmount, MaxPaymentAmount: cfg.Channel.MaxPaymentAmount,
				WithdrawalPerTx: cfg.Channel.WithdrawalPerTx, WithdrawalDaily: cfg.Channel.WithdrawalDaily,
				MaxRetries: cfg.Channel.MaxRetries, RetryBackoff: config.MS(cfg.Channel.RetryBackoffMS),
			}, composer, channelBroadcaster{d: d}, log.WithField("component", "channel"))

			sup := supervisor.New(supervisor.Config{
				ShutdownGrace:   config.MS(cfg.Supervisor.ShutdownGraceMS),
				CheckpointEvery: config.MS(cfg.Supervisor.CheckpointEveryMS),
			}, b, chMgr, d, nil, sched, log, metrics)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return sup.Run(ctx)
		},
	}
}

// channelBroadcaster adapts *dispatcher.Dispatcher to channel.Broadcaster,
// the seam the Channel Manager's Settle uses to hand off a settlement
// script for on-chain submission.
type channelBroadcaster struct{ d *dispatcher.Dispatcher }

func (c channelBroadcaster) Broadcast(ctx context.Context, artifact model.ScriptArtifact) (string, bool, error) {
	result, err := c.d.Broadcast(ctx, artifact, dispatcher.BroadcastOptions{Priority: model.PriorityHigh})
	if err == nil {
		return result.TxID, false, nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return "", me.Kind.Retryable(), err
	}
	return "", true, err
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	check := &cobra.Command{
		Use:   "check",
		Short: "load configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.AddCommand(check)
	return cmd
}

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "channel"}
	status := &cobra.Command{
		Use:   "status [channel-id]",
		Short: "report that channel status needs an in-process supervisor (a standalone invocation always returns an error)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("channel status requires an attached supervisor process; this CLI invocation has none")
		},
	}
	cmd.AddCommand(status)
	return cmd
}
