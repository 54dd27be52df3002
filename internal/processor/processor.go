// Package processor holds the per-type execution logic run by workers.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/orrn/jobfleet/internal/core"
)

// ProgressFunc receives percentage updates from a running job.
type ProgressFunc func(progress int)

// Processor executes one job. It must return ctx.Err() when it stops
// because ctx was cancelled, so callers can tell a stop from a failure.
type Processor interface {
	Process(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error)
}

type Func func(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error)

func (f Func) Process(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error) {
	return f(ctx, job, progress)
}

// Registry dispatches on the job type. Unknown types go to the fallback.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	fallback   Processor
	logger     *slog.Logger
}

func NewRegistry(fallback Processor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		processors: make(map[string]Processor),
		fallback:   fallback,
		logger:     logger.With("component", "processor"),
	}
}

func (r *Registry) Register(jobType string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[jobType] = p
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	return types
}

func (r *Registry) lookup(jobType string) Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.processors[jobType]; ok {
		return p
	}
	return r.fallback
}

// Process runs the processor for job.Type. A panic inside the processor is
// returned as an error.
func (r *Registry) Process(ctx context.Context, job *core.Job, progress ProgressFunc) (result map[string]any, err error) {
	p := r.lookup(job.Type)
	if p == nil {
		return nil, fmt.Errorf("no processor for job type %q", job.Type)
	}
	if progress == nil {
		progress = func(int) {}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("processor panicked", "job_id", job.ID, "type", job.Type,
				"panic", rec, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("job processor exception: %v", rec)
		}
	}()

	r.logger.Info("processing job", "job_id", job.ID, "name", job.Name, "type", job.Type)
	return p.Process(ctx, job, progress)
}

// Default returns a registry with the built-in job types. stepDelay scales
// the simulated work of every type.
func Default(stepDelay time.Duration, logger *slog.Logger) *Registry {
	r := NewRegistry(Generic(stepDelay/5), logger)
	r.Register("DataProcessing", DataProcessing(stepDelay*5))
	r.Register("FileConversion", FileConversion(stepDelay))
	r.Register("Notification", Notification(stepDelay))
	r.Register("Report", Report(stepDelay*3))
	return r
}

// steps reports each value in order, waiting delay before every report but
// the first when skipFirstDelay is set.
func steps(ctx context.Context, delay time.Duration, progress ProgressFunc, values []int, skipFirstDelay bool) error {
	for i, v := range values {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 || !skipFirstDelay {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		progress(v)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func linear(step int) []int {
	var values []int
	for v := 0; v <= 100; v += step {
		values = append(values, v)
	}
	return values
}

func decodePayload(job *core.Job, v any) error {
	if job.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(job.Payload), v); err != nil {
		return fmt.Errorf("invalid payload for %s job: %w", job.Type, err)
	}
	return nil
}
