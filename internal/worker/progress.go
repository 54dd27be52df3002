package worker

import (
	"context"
	"log/slog"
	"sync"
)

const progressQueueSize = 64

// progressForwarder sends the progress of one execution upstream from a
// single goroutine, so reports for a job leave in the order produced. The
// processor callback never blocks. Values wait in a bounded queue; when it
// is full the newest value replaces the last queued one.
type progressForwarder struct {
	send   func(ctx context.Context, progress int) error
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []int
	last     int
	draining bool
	wake     chan struct{}
	done     chan struct{}
}

func newProgressForwarder(ctx context.Context, send func(context.Context, int) error, logger *slog.Logger) *progressForwarder {
	ctx, cancel := context.WithCancel(ctx)
	f := &progressForwarder{
		send:   send,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queue:  make([]int, 0, progressQueueSize),
		last:   -1,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

// report queues progress. Values below the last queued one are dropped.
func (f *progressForwarder) report(progress int) {
	f.mu.Lock()
	if f.draining || progress < f.last {
		f.mu.Unlock()
		return
	}
	f.last = progress
	if len(f.queue) == progressQueueSize {
		f.queue[len(f.queue)-1] = progress
	} else {
		f.queue = append(f.queue, progress)
	}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *progressForwarder) next() (int, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return 0, false, f.draining
	}
	value := f.queue[0]
	f.queue = f.queue[1:]
	return value, true, f.draining
}

func (f *progressForwarder) run() {
	defer close(f.done)
	for {
		value, ok, draining := f.next()
		if ok {
			if err := f.send(f.ctx, value); err != nil && f.ctx.Err() == nil {
				f.logger.Warn("failed to report progress", "progress", value, "error", err)
			}
			if f.ctx.Err() != nil {
				return
			}
			continue
		}
		if draining {
			return
		}

		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
		}
	}
}

// drain sends everything still queued and stops the forwarder.
func (f *progressForwarder) drain() {
	f.mu.Lock()
	f.draining = true
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	<-f.done
	f.cancel()
}

// abort drops queued values and stops the forwarder.
func (f *progressForwarder) abort() {
	f.mu.Lock()
	f.draining = true
	f.queue = f.queue[:0]
	f.mu.Unlock()
	f.cancel()
	<-f.done
}
