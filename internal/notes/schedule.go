package notes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

const DefaultRenewCron = "0 */6 * * *"

// StartSchedule runs job at every tick of the cron expression until the
// returned cancel func is called or ctx ends.
func StartSchedule(ctx context.Context, name, expr string, logger *slog.Logger, job func(context.Context)) (context.CancelFunc, error) {
	if expr == "" {
		expr = DefaultRenewCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("%w: invalid cron expression for %s: %s", ErrInvalidInput, name, expr)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	go runSchedule(ctx, name, expr, logger, job)
	logger.Info("schedule_started", "name", name, "cron", expr)
	return cancel, nil
}

func runSchedule(ctx context.Context, name, expr string, logger *slog.Logger, job func(context.Context)) {
	for {
		next, err := gronx.NextTickAfter(expr, time.Now().UTC(), false)
		if err != nil {
			logger.Error("schedule_next_tick_failed", "name", name, "cron", expr, "error", err)
			next = time.Now().Add(30 * time.Second)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("schedule_stopped", "name", name)
			return
		case <-timer.C:
		}
		if err == nil {
			job(ctx)
		}
	}
}
