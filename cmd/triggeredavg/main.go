package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sanspareilsmyn/triggeredavg/internal/config"
	"github.com/sanspareilsmyn/triggeredavg/internal/logging"
	"github.com/sanspareilsmyn/triggeredavg/internal/pipeline"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := rootOptions{configPath: "configs/config.dev.yaml"}

	root := &cobra.Command{
		Use:           "triggeredavg",
		Short:         "Average multichannel recordings around TTL and message triggers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "Path to the configuration file (empty uses defaults and TRIGAVG_* variables)")

	root.AddCommand(newValidateCmd(&opts))
	return root
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without starting acquisition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration from %s: %v\n", opts.configPath, err)
				return err
			}
			pre, post := cfg.Window.Samples(cfg.Acquisition.SampleRate)
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: source=%s channels=%d capacity=%d window=%d+%d samples conditions=%d\n",
				cfg.Acquisition.Source, cfg.Acquisition.Channels, cfg.Acquisition.Capacity(), pre, post, len(cfg.Conditions))
			return nil
		},
	}
}

func run(parent context.Context, opts rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration from %s: %v\n", opts.configPath, err)
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logger: %v\n", err)
		return err
	}
	defer func() {
		_ = logger.Sync() // Flush buffered logs on exit
	}()

	sugar := logger.Sugar()
	sugar.Infow("Logger initialized",
		"level", cfg.Log.Level,
		"format", cfg.Log.Format,
	)
	sugar.Infow("Configuration loaded successfully", "path", opts.configPath)

	sugar.Info("Initializing pipeline...")
	pipe, err := pipeline.New(cfg, logger)
	if err != nil {
		sugar.Errorw("Failed to initialize pipeline", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		select {
		case sig := <-signals:
			sugar.Infow("Received signal, initiating shutdown...", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	sugar.Infow("Starting acquisition pipeline...", "source", cfg.Acquisition.Source)
	runErr := pipe.Run(ctx)

	finalLogLevel := zapcore.InfoLevel
	shutdownReason := "gracefully"
	finalErrorField := zap.Skip()

	switch {
	case runErr == nil:
		sugar.Info("Pipeline execution completed without error.")
	case errors.Is(runErr, context.Canceled):
		sugar.Info("Pipeline execution cancelled (expected on shutdown).")
		runErr = nil
	default:
		shutdownReason = "due to error"
		finalLogLevel = zapcore.ErrorLevel
		finalErrorField = zap.Error(runErr)
	}

	logger.Log(finalLogLevel, fmt.Sprintf("Pipeline shutdown %s.", shutdownReason),
		zap.String("reason", shutdownReason),
		finalErrorField,
	)
	sugar.Info("triggeredavg finished.")
	return runErr
}
