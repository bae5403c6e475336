package retryutil

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultDelay    = 1 * time.Second
	defaultTimeout  = 12 * time.Second
	defaultAttempts = 2
)

// Schedule runs fn in the background after delay, retrying on error up to
// attempts total runs with the same delay between them. Used for deferred
// authoritative refetches (e.g. picking up a payment URL the backend
// computes asynchronously after contract acceptance).
func Schedule(logger *slog.Logger, name string, delay, timeout time.Duration, attempts int, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if delay <= 0 {
		delay = defaultDelay
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if logger != nil {
		logger.Info(name+"_scheduled", "delay", delay.String(), "attempts", attempts)
	}
	go func() {
		for attempt := 1; attempt <= attempts; attempt++ {
			timer := time.NewTimer(delay)
			<-timer.C
			timer.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := fn(ctx)
			cancel()
			if err == nil {
				if logger != nil {
					logger.Info(name+"_ok", "attempt", attempt)
				}
				return
			}
			if logger != nil {
				logger.Warn(name+"_failed", "attempt", attempt, "error", err.Error())
			}
		}
	}()
}
