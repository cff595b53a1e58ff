package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts  = 4
	defaultInitialDelay = 200 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
)

// Policy bounds a retry loop around one remote stage.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Sleep replaces the context-aware timer, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.MaxAttempts
}

// Delay is the backoff before attempt+1: InitialDelay doubled per attempt,
// capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.InitialDelay
	if base <= 0 {
		base = defaultInitialDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = defaultMaxDelay
	}
	if max < base {
		max = base
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, fails terminally, or the attempts run out.
// Only transient failures are retried.
func Do[T any](ctx context.Context, p Policy, log *slog.Logger, stage string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.attempts()

	var lastErr error
	lastDecision := Decision{Class: ClassTerminal, Reason: "unset"}
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		lastDecision = Classify(err)

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !lastDecision.IsTransient() {
			return zero, fmt.Errorf("terminal_failure stage=%s attempt=%d reason=%s: %w", stage, attempt, lastDecision.Reason, err)
		}
		if attempt == attempts {
			break
		}

		if log != nil {
			log.Warn("remote call failed; retrying",
				"stage", stage,
				"classification", lastDecision.Class,
				"classification_reason", lastDecision.Reason,
				"attempt", attempt,
				"error", err,
			)
		}
		if sleepErr := p.sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return zero, sleepErr
		}
	}

	return zero, fmt.Errorf("transient_recovery_exhausted stage=%s attempts=%d reason=%s: %w", stage, attempts, lastDecision.Reason, lastErr)
}
