package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from primary (which carries the chromedp
// target) that is also cancelled when secondary is done, and that inherits
// the earlier of the two deadlines. Values come from primary only.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(primary)
	stop := context.AfterFunc(secondary, func() {
		cancel(context.Cause(secondary))
	})

	cancelDeadline := context.CancelFunc(func() {})
	if d, ok := secondary.Deadline(); ok {
		ctx, cancelDeadline = context.WithDeadline(ctx, d)
	}

	return ctx, func() {
		stop()
		cancelDeadline()
		cancel(context.Canceled)
	}
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }

// Detach returns a context carrying ctx's values but none of its cancellation
// or deadline. Shutdown work that must outlive a cancelled command uses it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
