// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forumcrawl/internal/browser/stealth"
	"github.com/xkilldash9x/forumcrawl/internal/config"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("browser session is closed")

// Response is the outcome of one page load.
type Response struct {
	URL     string
	Status  int
	Content string
}

// Session is one Chrome process with a single tab. It is not safe for
// concurrent navigation; callers serialize.
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger
	cfg         config.BrowserConfig

	mainFrame  atomic.Value // cdp.FrameID
	lastStatus atomic.Int64

	stateMu  sync.Mutex
	restored []snapshot.Origin

	mu       sync.Mutex
	isClosed bool
}

// Open launches Chrome, creates the tab and applies the persona. ctx bounds
// the setup steps only; the browser lives until Close.
func Open(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	logger = logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), DefaultAllocatorOptions(cfg)...)
	ctxOpts := []chromedp.ContextOption{
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	s := &Session{
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		logger:      logger,
		cfg:         cfg,
	}

	chromedp.ListenTarget(tabCtx, s.onEvent)

	tasks := chromedp.Tasks{network.Enable()}
	tasks = append(tasks, stealth.Apply(stealth.FromConfig(cfg), logger)...)
	tasks = append(tasks, chromedp.ActionFunc(func(c context.Context) error {
		tree, err := page.GetFrameTree().Do(c)
		if err != nil {
			return fmt.Errorf("reading frame tree: %w", err)
		}
		s.mainFrame.Store(tree.Frame.ID)
		return nil
	}))

	// The first Run allocates the browser and ties the process to the context
	// it is given, so it must be the tab context itself.
	if err := chromedp.Run(tabCtx); err != nil {
		s.shutdown()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	if err := s.run(ctx, tasks); err != nil {
		s.shutdown()
		return nil, fmt.Errorf("failed to initialize tab: %w", err)
	}
	logger.Info("Browser session opened.", zap.Bool("headless", cfg.Headless))
	return s, nil
}

// onEvent records the HTTP status of every main frame document, so Status
// stays accurate when a challenge page reloads itself.
func (s *Session) onEvent(ev interface{}) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	if main, ok := s.mainFrame.Load().(cdp.FrameID); ok && resp.FrameID != main {
		return
	}
	s.lastStatus.Store(resp.Response.Status)
}

// Status returns the HTTP status of the last main frame document.
func (s *Session) Status() int {
	return int(s.lastStatus.Load())
}

// Navigate loads url, waits for the body to be ready plus the settle delay,
// and returns the rendered HTML. Failures are returned as is.
func (s *Session) Navigate(ctx context.Context, url string) (*Response, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	navCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if s.cfg.NavigationTimeout > 0 {
		var cancelTimeout context.CancelFunc
		navCtx, cancelTimeout = context.WithTimeout(navCtx, s.cfg.NavigationTimeout)
		defer cancelTimeout()
	}

	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, fmt.Errorf("navigating to %s: %w", url, err)
	}
	status := s.Status()
	if resp != nil {
		status = int(resp.Status)
		s.lastStatus.Store(resp.Status)
	}

	if err := s.stabilize(navCtx); err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, s.cfg.SettleDelay); err != nil {
		return nil, err
	}

	content, err := s.Content(ctx)
	if err != nil {
		return nil, err
	}
	final := url
	if resp != nil && resp.URL != "" {
		final = resp.URL
	}
	return &Response{URL: final, Status: status, Content: content}, nil
}

// stabilize waits for the DOM body. A timeout here is not fatal, the content
// read afterwards decides what the page is.
func (s *Session) stabilize(ctx context.Context) error {
	if err := chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}
	return nil
}

// Content returns the current rendered HTML without navigating.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html))
	if err != nil {
		return "", fmt.Errorf("reading page content: %w", err)
	}
	return html, nil
}

// Location returns the URL currently shown in the tab.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return loc, nil
}

// StorageState captures every cookie in the browser plus the localStorage of
// the current origin, merged over whatever was restored at start.
func (s *Session) StorageState(ctx context.Context) (*snapshot.Snapshot, error) {
	var (
		cookies []*network.Cookie
		dump    localStorageDump
	)
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}
	if err := s.run(ctx, chromedp.Evaluate(dumpLocalStorageJS, &dump)); err != nil {
		s.logger.Debug("Could not capture localStorage.", zap.Error(err))
	}

	snap := &snapshot.Snapshot{Cookies: make([]snapshot.Cookie, 0, len(cookies))}
	for _, c := range cookies {
		snap.Cookies = append(snap.Cookies, fromCDPCookie(c))
	}
	snap.Cookies = snapshot.MergeCookies(nil, snap.Cookies)

	s.stateMu.Lock()
	snap.Origins = snapshot.MergeOrigins(nil, s.restored)
	s.stateMu.Unlock()
	if o, ok := dump.toOrigin(); ok {
		snap.Origins = replaceOrigin(snap.Origins, o)
	}
	return snap, nil
}

// replaceOrigin swaps in the live view of one origin wholesale, so keys the
// page removed do not come back from the restored copy.
func replaceOrigin(origins []snapshot.Origin, live snapshot.Origin) []snapshot.Origin {
	for i := range origins {
		if origins[i].Origin == live.Origin {
			origins[i] = live
			return origins
		}
	}
	return append(origins, live)
}

// ApplyState installs the snapshot's cookies into the browser and arranges
// for its localStorage to be seeded on matching origins.
func (s *Session) ApplyState(ctx context.Context, snap *snapshot.Snapshot, fallbackURL string) error {
	if snap.Empty() {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(snap.Cookies))
	for _, c := range snap.Cookies {
		params = append(params, toCookieParam(c, fallbackURL))
	}

	tasks := chromedp.Tasks{}
	if len(params) > 0 {
		tasks = append(tasks, network.SetCookies(params))
	}
	if len(snap.Origins) > 0 {
		script, err := restoreLocalStorageJS(snap.Origins)
		if err != nil {
			return err
		}
		tasks = append(tasks, chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}))
	}
	if err := s.run(ctx, tasks); err != nil {
		return fmt.Errorf("applying session state: %w", err)
	}

	s.stateMu.Lock()
	s.restored = snapshot.MergeOrigins(s.restored, snap.Origins)
	s.stateMu.Unlock()

	s.logger.Debug("Session state applied.", zap.Int("cookies", len(params)), zap.Int("origins", len(snap.Origins)))
	return nil
}

// Close terminates the tab and the browser process. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

func (s *Session) shutdown() {
	s.cancel()
	s.allocCancel()
}

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// run executes actions bounded by both the session lifetime and ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed() {
		return ErrClosed
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Launcher opens browser sessions from a fixed configuration.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewLauncher returns a launcher for cfg.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger}
}

// Launch opens a new session.
func (l *Launcher) Launch(ctx context.Context) (*Session, error) {
	return Open(ctx, l.cfg, l.logger)
}
