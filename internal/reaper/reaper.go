package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
)

// timeoutMarker is appended to the content of a reaped message so readers
// can see the stream died rather than completed.
const timeoutMarker = "\nError: Streaming timed out"

// Start starts the stuck-stream reaper unless it was explicitly disabled.
// Returns a cancel func.
func Start(ctx context.Context, cfg config.ReaperConfig) (context.CancelFunc, error) {
	if cfg.Disabled {
		logger.Info("reaper_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("reaper_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid reaper cron expression: %s", cfg.Cron)
	}

	staleAfter := cfg.StaleAfter.Std()
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}

	logger.Info("reaper_enabled", "cron", cronExpr, "stale_after", staleAfter.String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, staleAfter)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func runScheduler(ctx context.Context, cronExpr string, staleAfter time.Duration) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("reaper_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("reaper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("reaper_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := RunOnce(staleAfter); err != nil {
				logger.Error("reaper_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("reaper_scheduler_stopping")
			return
		}
	}
}

// RunOnce finalizes every streaming message whose last persisted write is
// older than staleAfter. Returns the number of streams reaped.
func RunOnce(staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).UnixNano()
	stale, err := store.ListStaleStreamingMessages(cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, m := range stale {
		if err := store.FinishStream(m.StreamID, timeoutMarker); err != nil {
			logger.Error("reaper_finish_failed", "stream", m.StreamID, "error", err)
			continue
		}
		logger.Warn("stream_reaped", "stream", m.StreamID, "message", m.ID, "thread", m.ThreadID)
		telemetry.StreamsFinished.WithLabelValues("reaped").Inc()
		reaped++
	}
	if reaped > 0 {
		logger.Info("reaper_run_complete", "reaped", reaped, "scanned", len(stale))
	}
	return reaped, nil
}
