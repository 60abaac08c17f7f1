package detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedPage returns its pages in order, repeating the last one.
type scriptedPage struct {
	mu    sync.Mutex
	pages []string
	errs  []error
	reads int
}

func (p *scriptedPage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.reads
	p.reads++
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i >= len(p.pages) {
		i = len(p.pages) - 1
	}
	return p.pages[i], nil
}

// recordingSleep records requested durations without blocking.
type recordingSleep struct {
	calls []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.calls = append(r.calls, d)
	return nil
}

const challengePage = `<title>Just a moment...</title>`

func TestAwaitClear(t *testing.T) {
	detector := NewPhraseMatcher(DefaultChallengePhrases)

	t.Run("clears on a later poll", func(t *testing.T) {
		page := &scriptedPage{pages: []string{challengePage, challengePage, "<title>Index</title>"}}
		sleeper := &recordingSleep{}
		w := NewWaiter(detector, Window{Interval: 3 * time.Second, Deadline: 120 * time.Second}, sleeper.Sleep, zaptest.NewLogger(t))

		require.NoError(t, w.AwaitClear(context.Background(), page))
		assert.Equal(t, 3, page.reads)
		assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, sleeper.calls)
	})

	t.Run("times out after exactly deadline over interval polls", func(t *testing.T) {
		page := &scriptedPage{pages: []string{challengePage}}
		sleeper := &recordingSleep{}
		window := Window{Interval: 3 * time.Second, Deadline: 6 * time.Second}
		w := NewWaiter(detector, window, sleeper.Sleep, zap.NewNop())

		err := w.AwaitClear(context.Background(), page)
		assert.ErrorIs(t, err, ErrChallengeTimeout)
		assert.Equal(t, 2, page.reads)
		assert.Equal(t, window.Polls(), page.reads)
	})

	t.Run("read errors count as still challenged", func(t *testing.T) {
		page := &scriptedPage{pages: []string{"", "<p>ok</p>"}, errs: []error{errors.New("target closed")}}
		w := NewWaiter(detector, Window{Interval: time.Second, Deadline: 5 * time.Second}, (&recordingSleep{}).Sleep, zap.NewNop())

		require.NoError(t, w.AwaitClear(context.Background(), page))
		assert.Equal(t, 2, page.reads)
	})

	t.Run("observes cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		page := &scriptedPage{pages: []string{challengePage}}
		w := NewWaiter(detector, Window{Interval: time.Second, Deadline: time.Minute}, (&recordingSleep{}).Sleep, zap.NewNop())

		err := w.AwaitClear(ctx, page)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, page.reads)
	})

	t.Run("empty window times out without polling", func(t *testing.T) {
		windows := []Window{
			{Interval: 0, Deadline: 6 * time.Second},
			{Interval: -time.Second, Deadline: 6 * time.Second},
			{Interval: 3 * time.Second, Deadline: 0},
		}
		for _, window := range windows {
			page := &scriptedPage{pages: []string{challengePage}}
			sleeper := &recordingSleep{}
			w := NewWaiter(detector, window, sleeper.Sleep, zap.NewNop())

			err := w.AwaitClear(context.Background(), page)
			assert.ErrorIs(t, err, ErrChallengeTimeout, "%+v", window)
			assert.Equal(t, 0, page.reads, "%+v", window)
			assert.Empty(t, sleeper.calls, "%+v", window)
		}
	})

	t.Run("real sleep honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		page := &scriptedPage{pages: []string{challengePage}}
		w := NewWaiter(detector, Window{Interval: time.Hour, Deadline: 2 * time.Hour}, nil, zap.NewNop())

		start := time.Now()
		err := w.AwaitClear(ctx, page)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Minute)
	})
}

func TestWindowPolls(t *testing.T) {
	assert.Equal(t, 40, Window{Interval: 3 * time.Second, Deadline: 120 * time.Second}.Polls())
	assert.Equal(t, 60, Window{Interval: 5 * time.Second, Deadline: 300 * time.Second}.Polls())
	assert.Equal(t, 3, Window{Interval: 3 * time.Second, Deadline: 7 * time.Second}.Polls())
	assert.Equal(t, 0, Window{}.Polls())
	assert.Equal(t, 0, Window{Interval: time.Second, Deadline: -time.Second}.Polls())
}
