package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/forumcrawl/internal/browser"
	"github.com/xkilldash9x/forumcrawl/internal/session"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
)

// view is what the fake browser shows at one moment.
type view struct {
	content string
	status  int
}

type fakePage struct {
	mu sync.Mutex

	// navigate answers the n-th navigation (zero based).
	navigate func(url string, n int) (view, error)
	// reloads are served by Content in order, emulating a page that changes
	// while a waiter polls it. Once drained, Content returns the current view.
	reloads []view

	current  view
	location string
	state    snapshot.Snapshot

	navigations  []string
	contentCalls int
	applied      []*snapshot.Snapshot
	closeCalls   int
	stateErr     error

	// navDelay keeps a navigation in flight, outside mu, so overlapping
	// callers would show up in inFlight.
	navDelay    time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	// appliedMidNav counts ApplyState calls made while a navigation ran.
	appliedMidNav atomic.Int32
}

var _ session.Page = (*fakePage)(nil)

func staticPage(content string, status int) *fakePage {
	return &fakePage{navigate: func(string, int) (view, error) { return view{content, status}, nil }}
}

func (p *fakePage) Navigate(ctx context.Context, url string) (*browser.Response, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.navDelay > 0 {
		time.Sleep(p.navDelay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := len(p.navigations)
	p.navigations = append(p.navigations, url)
	v, err := p.navigate(url, idx)
	if err != nil {
		return nil, err
	}
	p.current = v
	p.location = url
	return &browser.Response{URL: url, Status: v.status, Content: v.content}, nil
}

func (p *fakePage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.contentCalls++
	if len(p.reloads) > 0 {
		p.current = p.reloads[0]
		p.reloads = p.reloads[1:]
	}
	return p.current.content, nil
}

func (p *fakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, nil
}

func (p *fakePage) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.status
}

func (p *fakePage) StorageState(ctx context.Context) (*snapshot.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stateErr != nil {
		return nil, p.stateErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.state.Clone(), nil
}

func (p *fakePage) ApplyState(_ context.Context, snap *snapshot.Snapshot, _ string) error {
	if p.inFlight.Load() > 0 {
		p.appliedMidNav.Add(1)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, snap.Clone())
	p.state.Merge(snap)
	return nil
}

func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

func (p *fakePage) navigationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.navigations)
}

type memStore struct {
	mu    sync.Mutex
	snap  *snapshot.Snapshot
	saves int
	// shared makes Load hand out the held snapshot instead of a copy.
	shared bool
}

func (s *memStore) Load(context.Context) (*snapshot.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, false
	}
	if s.shared {
		return s.snap, true
	}
	return s.snap.Clone(), true
}

func (s *memStore) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.snap = snap.Clone()
	return nil
}

func (s *memStore) saved() (*snapshot.Snapshot, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.saves
}

type fakeRefresher struct {
	snap    *snapshot.Snapshot
	err     error
	targets []string

	// page, when set, is checked for navigations running during a refresh.
	page       *fakePage
	overlapped int
}

func (r *fakeRefresher) Refresh(_ context.Context, target string) (*snapshot.Snapshot, error) {
	if r.page != nil && r.page.inFlight.Load() > 0 {
		r.overlapped++
	}
	r.targets = append(r.targets, target)
	if r.err != nil {
		return nil, r.err
	}
	return r.snap.Clone(), nil
}

// recordingSleeper never blocks; it only records requested durations.
type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return nil
}

func launcherFor(p *fakePage) session.Launcher {
	return session.LauncherFunc(func(context.Context) (session.Page, error) { return p, nil })
}

var errLaunch = errors.New("no chrome")
