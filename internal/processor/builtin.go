package processor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/orrn/jobfleet/internal/core"
)

type dataPayload struct {
	Records int `json:"records"`
}

func DataProcessing(delay time.Duration) Processor {
	return Func(func(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error) {
		p := dataPayload{Records: 150}
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.Records < 0 {
			return nil, fmt.Errorf("record count must be non-negative, got %d", p.Records)
		}
		if err := steps(ctx, delay, progress, linear(10), true); err != nil {
			return nil, err
		}
		return map[string]any{"processed_records": p.Records}, nil
	})
}

type filePayload struct {
	Source       string `json:"source"`
	TargetFormat string `json:"target_format"`
}

func FileConversion(delay time.Duration) Processor {
	return Func(func(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error) {
		p := filePayload{Source: fmt.Sprintf("job-%d.dat", job.ID), TargetFormat: "pdf"}
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.TargetFormat == "" {
			return nil, errors.New("target format is required")
		}
		if err := steps(ctx, delay, progress, linear(5), true); err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(path.Base(p.Source), path.Ext(p.Source))
		return map[string]any{"converted_file_path": path.Join("/converted", base+"."+p.TargetFormat)}, nil
	})
}

type notificationPayload struct {
	Recipients []string `json:"recipients"`
}

func Notification(delay time.Duration) Processor {
	return Func(func(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error) {
		var p notificationPayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if err := steps(ctx, delay, progress, linear(5), true); err != nil {
			return nil, err
		}
		return map[string]any{"notification_sent": true, "recipient_count": len(p.Recipients)}, nil
	})
}

// Report progress is uneven and every step waits, including the first.
func Report(delay time.Duration) Processor {
	return Func(func(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error) {
		if err := steps(ctx, delay, progress, []int{10, 20, 40, 50, 60, 85, 95, 100}, false); err != nil {
			return nil, err
		}
		return map[string]any{"report_url": fmt.Sprintf("/reports/generated/report_%d.xlsx", job.ID)}, nil
	})
}

func Generic(delay time.Duration) Processor {
	return Func(func(ctx context.Context, job *core.Job, progress ProgressFunc) (map[string]any, error) {
		if err := steps(ctx, delay, progress, linear(20), false); err != nil {
			return nil, err
		}
		return map[string]any{"message": "generic job completed"}, nil
	})
}
