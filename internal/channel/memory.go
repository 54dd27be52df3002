package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/orrn/jobfleet/internal/core"
)

// Memory is an in-process channel. Messages published before a subscriber
// arrives are buffered per topic and delivered once one does.
type Memory struct {
	codec  Codec
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type memoryTopic struct {
	pending    [][]byte
	wake       chan struct{}
	subscribed bool
}

func NewMemory(codec Codec, logger *slog.Logger) *Memory {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		codec:  codec,
		logger: logger.With("component", "channel", "driver", "memory"),
		topics: make(map[string]*memoryTopic),
		done:   make(chan struct{}),
	}
}

// topic must be called with mu held.
func (m *Memory) topic(name string) *memoryTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{wake: make(chan struct{}, 1)}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) Publish(_ context.Context, topic string, msg *core.ControlMessage) error {
	data, err := m.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t := m.topic(topic)
	t.pending = append(t.pending, data)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	t := m.topic(topic)
	if t.subscribed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	t.subscribed = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.consume(ctx, topic, t, h)
	return nil
}

func (m *Memory) consume(ctx context.Context, name string, t *memoryTopic, h Handler) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		t.subscribed = false
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		m.mu.Lock()
		var data []byte
		if len(t.pending) > 0 {
			data = t.pending[0]
			t.pending = t.pending[1:]
		}
		m.mu.Unlock()

		if data != nil {
			dispatch(ctx, m.logger, m.codec, name, data, h)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-t.wake:
		}
	}
}

// Pending reports how many messages wait on topic.
func (m *Memory) Pending(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[topic]; ok {
		return len(t.pending)
	}
	return 0
}

// Purge drops the messages waiting on topic and reports how many there were.
func (m *Memory) Purge(_ context.Context, topic string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return 0, nil
	}
	n := len(t.pending)
	t.pending = nil
	return n, nil
}

// Close stops all consumers and waits for in-flight handlers to return.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
