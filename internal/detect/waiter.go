package detect

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrChallengeTimeout is returned when a challenge is still showing after the
// whole window has been spent.
var ErrChallengeTimeout = errors.New("challenge did not clear before the deadline")

// ContentSource re-reads the currently rendered page.
type ContentSource interface {
	Content(ctx context.Context) (string, error)
}

// Window bounds one wait loop.
type Window struct {
	Interval time.Duration
	Deadline time.Duration
}

// Polls returns how many polls fit in the window, or zero when the interval or
// the deadline is not positive.
func (w Window) Polls() int {
	if w.Interval <= 0 || w.Deadline <= 0 {
		return 0
	}
	n := int(w.Deadline / w.Interval)
	if w.Deadline%w.Interval != 0 {
		n++
	}
	return n
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Waiter polls a page until a challenge disappears.
type Waiter struct {
	detector ChallengeDetector
	window   Window
	sleep    SleepFunc
	logger   *zap.Logger
}

// NewWaiter returns a waiter. A nil sleep uses Sleep.
func NewWaiter(detector ChallengeDetector, window Window, sleep SleepFunc, logger *zap.Logger) *Waiter {
	if sleep == nil {
		sleep = Sleep
	}
	return &Waiter{detector: detector, window: window, sleep: sleep, logger: logger.Named("challenge")}
}

// AwaitClear sleeps one interval, re-reads the page and returns nil as soon as
// no challenge is detected. Once the accumulated wait reaches the deadline it
// returns ErrChallengeTimeout, straight away when the window has no room for
// a single poll. Read errors count as still challenged.
func (w *Waiter) AwaitClear(ctx context.Context, src ContentSource) error {
	polls := w.window.Polls()
	if polls == 0 {
		w.logger.Warn("Challenge wait window is empty.",
			zap.Duration("interval", w.window.Interval),
			zap.Duration("deadline", w.window.Deadline),
		)
		return ErrChallengeTimeout
	}
	w.logger.Debug("Waiting on challenge.", zap.Int("max_polls", polls))

	var waited time.Duration
	for waited < w.window.Deadline {
		if err := w.sleep(ctx, w.window.Interval); err != nil {
			return err
		}
		waited += w.window.Interval

		content, err := src.Content(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			w.logger.Debug("Could not read page while waiting on challenge.", zap.Error(err))
		} else if !w.detector.IsChallenged(content) {
			w.logger.Info("Challenge cleared.", zap.Duration("waited", waited))
			return nil
		}
		w.logger.Info("Waiting for challenge to clear...",
			zap.Duration("waited", waited),
			zap.Duration("deadline", w.window.Deadline),
		)
	}
	w.logger.Warn("Challenge did not clear.", zap.Duration("deadline", w.window.Deadline))
	return ErrChallengeTimeout
}
