package jobs

import (
	"context"
	"time"

	"github.com/shaiso/jobrun/internal/backmap"
	"github.com/shaiso/jobrun/internal/worker"
)

// DelayJob — job типа "delay".
//
// Ожидает указанное время, сообщая прогресс. Поддерживает отмену через context.
//
// Параметры:
//   - Duration — длительность ("90s", "00:01:30")
//   - DurationSec — длительность в секундах, если Duration не задан (default: 1)
type DelayJob struct {
	delayed time.Duration
}

// Execute выполняет задержку.
func (j *DelayJob) Execute(ctx context.Context, jc *worker.JobContext) error {
	p := params{jc.MergedData()}

	seconds, err := p.Float("DurationSec", 1)
	if err != nil {
		return err
	}
	duration, err := p.Duration("Duration", time.Duration(seconds*float64(time.Second)))
	if err != nil {
		return err
	}
	if duration <= 0 {
		duration = time.Second
	}

	step := max(duration/10, 10*time.Millisecond)
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	start := time.Now()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			j.delayed = time.Since(start)
			return ctx.Err()

		case <-ticker.C:
			jc.UpdateProgressRatio(ctx, int64(time.Since(start)), int64(duration))

		case <-deadline.C:
			j.delayed = time.Since(start)
			jc.UpdateProgress(ctx, 100)
			jc.Logger().InfoContext(ctx, "delay finished", "duration", duration)
			return nil
		}
	}
}

// BackMap записывает фактическую задержку.
func (j *DelayJob) BackMap(m *backmap.Mapping) {
	m.JobData("DelayedSec", func() any { return j.delayed.Seconds() })
}
