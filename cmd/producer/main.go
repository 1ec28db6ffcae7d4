// Command producer publishes text trigger messages to Kafka for exercising message conditions.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/triggeredavg/internal/message"
)

type producerOptions struct {
	broker   string
	topic    string
	texts    []string
	interval time.Duration
	count    int
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Fatal("producer failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := producerOptions{
		broker:   "localhost:9092",
		topic:    "triggers",
		texts:    []string{"Condition 1"},
		interval: time.Second,
	}

	cmd := &cobra.Command{
		Use:          "producer",
		Short:        "Publish trigger messages to Kafka",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return produce(ctx, opts, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.broker, "broker", opts.broker, "Kafka broker address")
	flags.StringVar(&opts.topic, "topic", opts.topic, "Topic to publish to")
	flags.StringSliceVar(&opts.texts, "text", opts.texts, "Message texts, published round-robin")
	flags.DurationVar(&opts.interval, "interval", opts.interval, "Delay between messages")
	flags.IntVar(&opts.count, "count", 0, "Number of messages to publish (0 runs until interrupted)")
	return cmd
}

func produce(ctx context.Context, opts producerOptions, logger *zap.Logger) error {
	if len(opts.texts) == 0 {
		return errors.New("at least one --text is required")
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(opts.broker),
		Topic:    opts.topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error("Error closing kafka writer", zap.Error(err))
		}
	}()

	sugar := logger.Sugar()
	sugar.Infow("Starting trigger producer", "topic", opts.topic, "broker", opts.broker, "texts", opts.texts)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for sent := 0; opts.count == 0 || sent < opts.count; {
		select {
		case <-ctx.Done():
			sugar.Info("Producer loop stopped.")
			return nil
		case <-ticker.C:
		}

		// The consumer converts the timestamp to its own sample numbers.
		msg := message.Trigger{Text: opts.texts[sent%len(opts.texts)], Timestamp: time.Now()}
		payload, err := msg.Encode()
		if err != nil {
			return err
		}

		if err := writer.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				sugar.Info("Context cancelled, exiting message loop.")
				return nil
			}
			sugar.Warnw("Error writing message", "error", err)
			continue
		}
		sent++
		sugar.Debugw("Produced message", "payload", string(payload))
	}
	sugar.Infow("Published all messages", "count", opts.count)
	return nil
}

