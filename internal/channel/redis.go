package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orrn/jobfleet/internal/core"
)

// Redis stores each topic as a list. Consumers move a message onto a
// per-topic processing list while the handler runs and remove it after, so
// a consumer that dies mid-message leaves it to be requeued by the next
// subscriber of the topic.
type Redis struct {
	client      *redis.Client
	codec       Codec
	prefix      string
	pollTimeout time.Duration
	logger      *slog.Logger
	ownsClient  bool

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	active  map[string]bool
	wg      sync.WaitGroup
}

type RedisOption func(*Redis)

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithPollTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.pollTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedis wraps client. The caller keeps ownership of the client.
func NewRedis(client *redis.Client, codec Codec, opts ...RedisOption) *Redis {
	if codec == nil {
		codec = JSONCodec{}
	}
	r := &Redis{
		client:      client,
		codec:       codec,
		prefix:      "jobfleet",
		pollTimeout: 5 * time.Second,
		logger:      slog.Default(),
		active:      make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "channel", "driver", "redis")
	return r
}

func (r *Redis) queueKey(topic string) string {
	return r.prefix + ":topic:" + topic
}

func (r *Redis) processingKey(topic string) string {
	return r.prefix + ":topic:" + topic + ":processing"
}

func (r *Redis) Publish(ctx context.Context, topic string, msg *core.ControlMessage) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := r.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	if err := r.client.LPush(ctx, r.queueKey(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", topic, err)
	}
	return nil
}

// Purge deletes the queued and unacknowledged messages of topic.
func (r *Redis) Purge(ctx context.Context, topic string) (int, error) {
	pipe := r.client.TxPipeline()
	queued := pipe.LLen(ctx, r.queueKey(topic))
	inflight := pipe.LLen(ctx, r.processingKey(topic))
	pipe.Del(ctx, r.queueKey(topic), r.processingKey(topic))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", topic, err)
	}
	return int(queued.Val() + inflight.Val()), nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.active[topic] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	r.active[topic] = true
	r.mu.Unlock()

	requeued, err := r.requeue(ctx, topic)
	if err != nil {
		r.release(topic)
		return err
	}
	if requeued > 0 {
		r.logger.Info("requeued unacknowledged messages", "topic", topic, "count", requeued)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		r.release(topic)
		return ErrClosed
	}
	r.cancels = append(r.cancels, cancel)
	r.wg.Add(1)
	r.mu.Unlock()

	go r.consume(ctx, topic, h)
	return nil
}

// requeue moves messages left on the processing list back onto the queue.
func (r *Redis) requeue(ctx context.Context, topic string) (int, error) {
	n := 0
	for {
		err := r.client.RPopLPush(ctx, r.processingKey(topic), r.queueKey(topic)).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to requeue %s: %w", topic, err)
		}
		n++
	}
}

func (r *Redis) release(topic string) {
	r.mu.Lock()
	delete(r.active, topic)
	r.mu.Unlock()
}

func (r *Redis) consume(ctx context.Context, topic string, h Handler) {
	defer r.wg.Done()
	defer r.release(topic)

	queue, processing := r.queueKey(topic), r.processingKey(topic)
	for {
		if ctx.Err() != nil {
			return
		}

		data, err := r.client.BRPopLPush(ctx, queue, processing, r.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("failed to read topic", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		dispatch(ctx, r.logger, r.codec, topic, []byte(data), h)

		if err := r.client.LRem(context.WithoutCancel(ctx), processing, 1, data).Err(); err != nil {
			r.logger.Warn("failed to acknowledge message", "topic", topic, "error", err)
		}
	}
}

// Close stops consumers and waits for in-flight handlers. The redis client
// is closed only when the channel created it.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.wg.Wait()

	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
