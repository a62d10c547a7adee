package positions

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaConsumer reads snapshot updates from a topic. Offsets are committed
// after the snapshot is handed to the sink, or after it is discarded as
// invalid.
type KafkaConsumer struct {
	reader   messageReader
	validate *validator.Validate
	logger   *zap.Logger
}

func NewKafkaConsumer(cfg KafkaConfig, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
	})
	return &KafkaConsumer{reader: reader, validate: validator.New(), logger: logger.Named("positions.kafka")}
}

// Run consumes until ctx is done.
func (c *KafkaConsumer) Run(ctx context.Context, sink Sink) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			c.logger.Error("Position consume error", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		snap, err := Decode(c.validate, msg.Value, time.Now().UTC())
		if err != nil {
			c.logger.Warn("Discarding position message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		} else if err := sink.Submit(snap); err != nil {
			c.logger.Warn("Position update rejected", zap.String("user_id", snap.UserID), zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
