package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"riskpulse/internal/models"
)

type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSource reads the latest snapshot per user from positions:{userId},
// as written by the upstream position service, and follows the pub/sub
// channel it announces changes on.
type RedisSource struct {
	client   *redis.Client
	kv       kv
	prefix   string
	channel  string
	validate *validator.Validate
	logger   *zap.Logger
}

func NewRedisSource(client *redis.Client, channel string, logger *zap.Logger) *RedisSource {
	return &RedisSource{
		client:   client,
		kv:       client,
		prefix:   "positions:",
		channel:  channel,
		validate: validator.New(),
		logger:   logger.Named("positions.redis"),
	}
}

func (r *RedisSource) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisSource) Snapshot(ctx context.Context, userID string) (models.PositionSnapshot, error) {
	raw, err := r.kv.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PositionSnapshot{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.PositionSnapshot{}, fmt.Errorf("get positions for %s: %w", userID, err)
	}
	snap, err := Decode(r.validate, raw, time.Now().UTC())
	if err != nil {
		return models.PositionSnapshot{}, err
	}
	if snap.UserID != userID {
		return models.PositionSnapshot{}, fmt.Errorf("%w: stored under %s but owned by %s", ErrInvalidSnapshot, userID, snap.UserID)
	}
	return snap, nil
}

// Subscribe feeds every published snapshot into sink until ctx is done.
func (r *RedisSource) Subscribe(ctx context.Context, sink Sink) error {
	if r.channel == "" {
		return errors.New("redis positions channel not configured")
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(sink, []byte(msg.Payload))
		}
	}
}

func (r *RedisSource) handle(sink Sink, payload []byte) {
	snap, err := Decode(r.validate, payload, time.Now().UTC())
	if err != nil {
		r.logger.Warn("Discarding position update", zap.Error(err))
		return
	}
	if err := sink.Submit(snap); err != nil {
		r.logger.Warn("Position update rejected", zap.String("user_id", snap.UserID), zap.Error(err))
	}
}
