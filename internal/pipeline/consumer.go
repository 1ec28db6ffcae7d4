package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sanspareilsmyn/triggeredavg/internal/config"
)

// kafkaLogger routes kafka-go's printf-style logging into zap at a fixed level.
type kafkaLogger struct {
	log   *zap.Logger
	level zapcore.Level
}

func (l kafkaLogger) Printf(format string, args ...any) {
	if l.log.Core().Enabled(l.level) {
		l.log.Log(l.level, fmt.Sprintf(format, args...))
	}
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads trigger messages from a Kafka topic and hands their payloads to the parser.
// Offsets are committed only after the payload has been handed over, so a crash replays at most
// the message in flight. Empty payloads are committed and skipped.
type Consumer struct {
	reader messageReader
	output chan<- []byte
	topic  string
	logger *zap.Logger

	messages *prometheus.CounterVec
}

// NewConsumer validates cfg and joins the consumer group.
func NewConsumer(cfg config.KafkaConfig, output chan<- []byte, registerer prometheus.Registerer, logger *zap.Logger) (*Consumer, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, fmt.Errorf("%w: no brokers", ErrInvalidKafkaConfig)
	case cfg.Topic == "":
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidKafkaConfig)
	case cfg.GroupID == "":
		return nil, fmt.Errorf("%w: empty group id", ErrInvalidKafkaConfig)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		Logger:      kafkaLogger{logger.Named("kafka").WithOptions(zap.AddCallerSkip(1)), zapcore.DebugLevel},
		ErrorLogger: kafkaLogger{logger.Named("kafka").WithOptions(zap.AddCallerSkip(1)), zapcore.ErrorLevel},
	})
	logger.Info("Kafka trigger consumer created",
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID),
		zap.Strings("brokers", cfg.Brokers),
	)
	return newConsumer(reader, cfg.Topic, output, registerer, logger), nil
}

func newConsumer(reader messageReader, topic string, output chan<- []byte, registerer prometheus.Registerer, logger *zap.Logger) *Consumer {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Consumer{
		reader: reader,
		output: output,
		topic:  topic,
		logger: logger,
		messages: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "triggeredavg_kafka_messages_total",
			Help: "Trigger messages read from Kafka, by outcome.",
		}, []string{"outcome"}),
	}
}

// Run blocks until ctx is cancelled or the reader fails. Cancellation returns context.Canceled.
func (c *Consumer) Run(ctx context.Context) error {
	sugar := c.logger.Sugar()
	sugar.Infow("Starting Kafka consumer loop...", "topic", c.topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			sugar.Errorw("Failed to close Kafka reader cleanly", "error", err)
		}
		sugar.Info("Kafka consumer loop stopped.")
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		switch {
		case ctx.Err() != nil:
			return context.Canceled
		case err != nil:
			c.messages.WithLabelValues("fetch_failed").Inc()
			return fmt.Errorf("%w: %w", ErrKafkaFetchFailed, err)
		}

		if len(m.Value) == 0 {
			c.messages.WithLabelValues("empty").Inc()
			c.logger.Debug("Skipping empty trigger message",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))
		} else {
			select {
			case c.output <- m.Value:
				c.messages.WithLabelValues("forwarded").Inc()
			case <-ctx.Done():
				return context.Canceled
			}
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("%w: partition %d offset %d: %w", ErrKafkaCommitFailed, m.Partition, m.Offset, err)
		}
	}
}
