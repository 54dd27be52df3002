// Package channel carries control messages from the queue service to the
// private topic of each worker. Delivery is at-least-once and ordered per
// topic; there is no ordering across topics.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
)

var (
	ErrClosed            = errors.New("channel is closed")
	ErrAlreadySubscribed = errors.New("topic already has a subscriber")
)

// Handler consumes one control message. A returned error is logged; the
// message is not redelivered.
type Handler func(ctx context.Context, msg *core.ControlMessage) error

type Channel interface {
	core.Publisher
	core.Purger
	// Subscribe starts consuming topic in the background until ctx is
	// cancelled or the channel is closed.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}

// New builds the channel named by cfg.Driver.
func New(ctx context.Context, cfg config.ChannelConfig, logger *slog.Logger) (Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec := GetCodec(cfg.Codec)

	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		r := NewRedis(client, codec,
			WithKeyPrefix(cfg.KeyPrefix),
			WithPollTimeout(cfg.PollTimeout),
			WithLogger(logger))
		r.ownsClient = true
		return r, nil
	default:
		return NewMemory(codec, logger), nil
	}
}

func dispatch(ctx context.Context, logger *slog.Logger, codec Codec, topic string, data []byte, h Handler) {
	msg, err := codec.Decode(data)
	if err != nil {
		logger.Error("dropping undecodable message", "topic", topic, "codec", codec.Name(), "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("control handler panicked", "topic", topic, "type", msg.Type, "panic", r)
		}
	}()
	if err := h(ctx, msg); err != nil {
		logger.Warn("control handler failed", "topic", topic, "type", msg.Type, "job_id", msg.JobID, "error", err)
	}
}
