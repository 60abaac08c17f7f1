// Package session owns the browser backed crawl session: it restores saved
// credentials, gets the operator logged in, serves fetches through challenge
// pages and refreshes credentials once when a request is forbidden.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/forumcrawl/internal/browser"
	"github.com/xkilldash9x/forumcrawl/internal/config"
	"github.com/xkilldash9x/forumcrawl/internal/detect"
	"github.com/xkilldash9x/forumcrawl/internal/refresh"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
)

const closeTimeout = 15 * time.Second

// Result is a successfully fetched page.
type Result struct {
	URL     string
	Status  int
	Content string
}

// Orchestrator serializes every browser operation behind one lock. The zero
// value is not usable; call New.
type Orchestrator struct {
	site    config.SiteConfig
	cfg     config.SessionConfig
	settle  time.Duration
	refresh string

	launcher  Launcher
	store     snapshot.Store
	refresher refresh.Refresher

	login     detect.LoginDetector
	success   *detect.PhraseMatcher
	challenge detect.ChallengeDetector
	blocked   *detect.PhraseMatcher
	sleep     detect.SleepFunc
	limiter   *rate.Limiter
	hook      TransitionHook
	logger    *zap.Logger

	state atomic.Int32

	mu   sync.Mutex
	page Page
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLoginDetector replaces the logged-in check.
func WithLoginDetector(d detect.LoginDetector) Option {
	return func(o *Orchestrator) { o.login = d }
}

// WithChallengeDetector replaces the challenge check.
func WithChallengeDetector(d detect.ChallengeDetector) Option {
	return func(o *Orchestrator) { o.challenge = d }
}

// WithSleeper replaces the sleep used by every poll and settle wait.
func WithSleeper(sleep detect.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithTransitionHook observes state changes.
func WithTransitionHook(h TransitionHook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

// New wires an orchestrator. refresher may be nil, in which case a forbidden
// response is reported without a retry.
func New(cfg config.Interface, launcher Launcher, store snapshot.Store, refresher refresh.Refresher, logger *zap.Logger, opts ...Option) *Orchestrator {
	sess := cfg.Session()

	challengePhrases := sess.ChallengePhrases
	if len(challengePhrases) == 0 {
		challengePhrases = detect.DefaultChallengePhrases
	}
	blockedPhrases := sess.BlockedPhrases
	if len(blockedPhrases) == 0 {
		blockedPhrases = detect.DefaultBlockedPhrases
	}
	limit := rate.Inf
	if sess.MinRequestInterval > 0 {
		limit = rate.Every(sess.MinRequestInterval)
	}

	o := &Orchestrator{
		site:      cfg.Site(),
		cfg:       sess,
		settle:    cfg.Browser().SettleDelay,
		refresh:   cfg.Refresher().RefreshURL,
		launcher:  launcher,
		store:     store,
		refresher: refresher,
		login:     detect.NewSignalDetector(detect.DefaultLoginPhrases),
		success:   detect.NewPhraseMatcher(detect.DefaultSuccessPhrases),
		challenge: detect.NewPhraseMatcher(challengePhrases),
		blocked:   detect.NewPhraseMatcher(blockedPhrases),
		sleep:     detect.Sleep,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger.Named("session"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state. It never blocks.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) transition(to State) {
	from := State(o.state.Swap(int32(to)))
	if from == to {
		return
	}
	o.logger.Debug("Session state changed.", zap.Stringer("from", from), zap.Stringer("to", to))
	if o.hook != nil {
		o.hook(from, to)
	}
}

// Start opens the browser and restores any saved session into it. A missing
// or unreadable snapshot is not an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st := o.State(); st != StateUninitialized {
		return fmt.Errorf("cannot start session in state %s", st)
	}

	o.logger.Info("Starting browser session...")
	o.transition(StateRestoring)
	page, err := o.launcher.Launch(ctx)
	if err != nil {
		o.transition(StateUninitialized)
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	o.page = page

	if snap, ok := o.store.Load(ctx); ok {
		if err := page.ApplyState(ctx, snap, o.site.BaseURL); err != nil {
			o.logger.Warn("Failed to restore saved session; starting fresh.", zap.Error(err))
		} else {
			o.logger.Info("Loaded existing session.", zap.Int("cookies", len(snap.Cookies)))
		}
	}

	o.transition(StateUnauthenticated)
	o.logger.Info("Browser session started.")
	return nil
}

func (o *Orchestrator) ready() error {
	switch o.State() {
	case StateUninitialized, StateRestoring:
		return ErrNotStarted
	case StateClosed:
		return ErrClosed
	}
	return nil
}

// EnsureLoggedIn checks the index page for a logged-in session and, when
// there is none or force is set, opens the login page and waits for the
// operator to complete it. ErrLoginTimeout is fatal.
func (o *Orchestrator) EnsureLoggedIn(ctx context.Context, force bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ready(); err != nil {
		return false, err
	}

	if !force {
		loggedIn, err := o.checkLoggedIn(ctx)
		if err != nil {
			return false, err
		}
		if loggedIn {
			o.transition(StateAuthenticated)
			return true, nil
		}
	}

	o.logger.Info("Performing login process...")
	o.transition(StateAuthenticating)
	ok, err := o.performLogin(ctx)
	if ok {
		o.transition(StateAuthenticated)
	} else {
		o.transition(StateUnauthenticated)
	}
	return ok, err
}

// checkLoggedIn only fails on context errors; anything else means "attempt
// login".
func (o *Orchestrator) checkLoggedIn(ctx context.Context) (bool, error) {
	target := o.site.IndexURL()
	res, ferr := o.load(ctx, target)
	if ferr != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		o.logger.Warn("Could not check login status; will attempt login.", zap.Error(ferr))
		return false, nil
	}

	if sd, ok := o.login.(*detect.SignalDetector); ok {
		if sig := sd.Detect(res.Content); sig != detect.SignalNone {
			o.logger.Info("Already logged in.", zap.String("signal", string(sig)))
			return true, nil
		}
	} else if o.login.IsLoggedIn(res.Content) {
		o.logger.Info("Already logged in.")
		return true, nil
	}

	if detect.HasLoginForm(res.Content) {
		o.logger.Info("Login form found; not logged in.")
	} else {
		o.logger.Info("Not logged in.")
	}
	return false, nil
}

func (o *Orchestrator) loginSucceeded(content string) bool {
	return o.login.IsLoggedIn(content) || o.success.Match(content)
}

func (o *Orchestrator) performLogin(ctx context.Context) (bool, error) {
	loginURL := o.site.LoginURL()
	o.logger.Info("Navigating to login page.", zap.String("url", loginURL))

	resp, err := o.navigate(ctx, loginURL)
	if err != nil {
		return false, fmt.Errorf("opening login page: %w", err)
	}
	if o.challenge.IsChallenged(resp.Content) {
		o.logger.Info("Challenge detected on login page, waiting for completion...")
		if err := o.waiter().AwaitClear(ctx, o.page); err != nil {
			if !errors.Is(err, detect.ErrChallengeTimeout) {
				return false, err
			}
			o.logger.Warn("Challenge on login page did not clear; it may need manual intervention.")
		} else if err := o.sleep(ctx, o.settle); err != nil {
			return false, err
		}
	}

	o.logger.Info("Please complete login in the browser window...",
		zap.Duration("deadline", o.cfg.LoginDeadline))

	interval := o.cfg.LoginPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for waited := time.Duration(0); waited < o.cfg.LoginDeadline; waited += interval {
		content, err := o.page.Content(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			o.logger.Warn("Error checking login status.", zap.Error(err))
		case o.loginSucceeded(content):
			o.logger.Info("Login successful!")
			if err := o.persist(ctx); err != nil {
				o.logger.Error("Failed to save session after login.", zap.Error(err))
			}
			return true, nil
		default:
			o.logLoginProgress(ctx, waited)
		}

		if err := o.sleep(ctx, interval); err != nil {
			return false, err
		}
	}

	o.logger.Error("Login timeout; please try again.", zap.Duration("deadline", o.cfg.LoginDeadline))
	return false, ErrLoginTimeout
}

func (o *Orchestrator) logLoginProgress(ctx context.Context, waited time.Duration) {
	fields := []zap.Field{zap.Duration("waited", waited), zap.Duration("deadline", o.cfg.LoginDeadline)}
	loc, err := o.page.Location(ctx)
	if err != nil || onLoginPage(loc, o.site.LoginPath) {
		o.logger.Info("Still on login page...", fields...)
		return
	}
	o.logger.Info("Navigated away from login page.", append(fields, zap.String("url", loc))...)
}

func onLoginPage(location, loginPath string) bool {
	loc := strings.ToLower(location)
	return (loginPath != "" && strings.Contains(loc, strings.ToLower(loginPath))) || strings.Contains(loc, "login")
}

// Fetch loads url and returns its rendered content, waiting out challenge
// pages. A forbidden response triggers one credential refresh and exactly one
// retry. Failures are *FetchError.
func (o *Orchestrator) Fetch(ctx context.Context, url string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ready(); err != nil {
		return nil, err
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, ferr := o.load(ctx, url)
	if ferr != nil {
		return nil, ferr
	}
	if !o.forbidden(res) {
		return res, nil
	}

	first := o.forbiddenError(res, "")
	o.logger.Warn("Request forbidden; refreshing credentials.", zap.String("url", url), zap.Int("status", res.Status))
	if err := o.refreshCredentials(ctx, url); err != nil {
		o.logger.Warn("Credential refresh failed.", zap.Error(err))
		first.Err = err
		return nil, first
	}

	res, ferr = o.load(ctx, url)
	if ferr != nil {
		return nil, ferr
	}
	if o.forbidden(res) {
		o.logger.Error("Request still forbidden after credential refresh.", zap.String("url", url))
		return nil, o.forbiddenError(res, "still forbidden after credential refresh")
	}
	return res, nil
}

// forbidden reports a block. A 2xx page only counts when it is itself the edge
// block page; otherwise block phrases in the body would flag forum posts that
// quote them.
func (o *Orchestrator) forbidden(res *Result) bool {
	switch {
	case res.Status == 403:
		return true
	case res.Status >= 200 && res.Status < 300:
		return o.blocked.IsBlockPage(res.Content)
	default:
		return o.blocked.Match(res.Content)
	}
}

func (o *Orchestrator) forbiddenError(res *Result, detail string) *FetchError {
	if detail == "" {
		if phrase := o.blocked.Find(res.Content); phrase != "" {
			detail = fmt.Sprintf("block page (%q)", phrase)
		}
	}
	return &FetchError{Kind: KindForbidden, URL: res.URL, Status: res.Status, Detail: detail}
}

// refreshCredentials mints new cookies outside the browser, installs them in
// the live browser and persists the result. The lock is held by the caller so
// no navigation is in flight.
func (o *Orchestrator) refreshCredentials(ctx context.Context, url string) error {
	if o.refresher == nil {
		return refresh.ErrRefreshUnavailable
	}
	target := o.refresh
	if target == "" {
		target = url
	}
	snap, err := o.refresher.Refresh(ctx, target)
	if err != nil {
		return err
	}
	if err := o.page.ApplyState(ctx, snap, target); err != nil {
		return fmt.Errorf("merging refreshed cookies: %w", err)
	}
	o.logger.Info("Refreshed cookies merged into browser.", zap.Int("cookies", len(snap.Cookies)))

	if err := o.persist(ctx); err != nil {
		o.logger.Warn("Failed to persist refreshed session; saving refreshed cookies only.", zap.Error(err))
		if err := o.persistMerged(ctx, snap); err != nil {
			o.logger.Error("Failed to persist refreshed cookies.", zap.Error(err))
		}
	}
	return nil
}

// load navigates and waits out a challenge. The returned error is always a
// *FetchError.
func (o *Orchestrator) load(ctx context.Context, url string) (*Result, *FetchError) {
	resp, err := o.navigate(ctx, url)
	if err != nil {
		return nil, &FetchError{Kind: KindNavigation, URL: url, Err: err}
	}
	if !o.challenge.IsChallenged(resp.Content) {
		return &Result{URL: resp.URL, Status: resp.Status, Content: resp.Content}, nil
	}

	o.logger.Info("Challenge detected, waiting...", zap.String("url", url))
	if err := o.waiter().AwaitClear(ctx, o.page); err != nil {
		if errors.Is(err, detect.ErrChallengeTimeout) {
			return nil, &FetchError{Kind: KindChallengeTimeout, URL: url, Status: o.page.Status(), Err: err}
		}
		return nil, &FetchError{Kind: KindNavigation, URL: url, Err: err}
	}
	if err := o.sleep(ctx, o.settle); err != nil {
		return nil, &FetchError{Kind: KindNavigation, URL: url, Err: err}
	}

	content, err := o.page.Content(ctx)
	if err != nil {
		return nil, &FetchError{Kind: KindNavigation, URL: url, Detail: "reading page after challenge", Err: err}
	}
	final := resp.URL
	if loc, err := o.page.Location(ctx); err == nil && loc != "" {
		final = loc
	}
	return &Result{URL: final, Status: o.page.Status(), Content: content}, nil
}

func (o *Orchestrator) navigate(ctx context.Context, url string) (*browser.Response, error) {
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}
	return o.page.Navigate(ctx, url)
}

func (o *Orchestrator) waiter() *detect.Waiter {
	window := detect.Window{Interval: o.cfg.ChallengePollInterval, Deadline: o.cfg.ChallengeDeadline}
	return detect.NewWaiter(o.challenge, window, o.sleep, o.logger)
}

func (o *Orchestrator) persist(ctx context.Context) error {
	snap, err := o.page.StorageState(ctx)
	if err != nil {
		return fmt.Errorf("capturing session state: %w", err)
	}
	return o.store.Save(ctx, snap)
}

// persistMerged writes update on top of whatever is already stored.
func (o *Orchestrator) persistMerged(ctx context.Context, update *snapshot.Snapshot) error {
	// The merge works on a copy; a store may hand out a snapshot it still holds.
	merged := &snapshot.Snapshot{}
	if stored, ok := o.store.Load(ctx); ok {
		merged = stored.Clone()
	}
	merged.Merge(update)
	return o.store.Save(ctx, merged)
}

// Close saves the current browser state and tears the browser down. It runs
// on a context detached from ctx's cancellation so an interrupted run still
// persists. Close is idempotent.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() == StateClosed {
		return nil
	}
	if o.page == nil {
		o.transition(StateClosed)
		return nil
	}

	closeCtx, cancel := context.WithTimeout(browser.Detach(ctx), closeTimeout)
	defer cancel()

	var errs []error
	if err := o.persist(closeCtx); err != nil {
		o.logger.Error("Failed to save session.", zap.Error(err))
		errs = append(errs, err)
	} else {
		o.logger.Info("Session saved.")
	}
	if err := o.page.Close(closeCtx); err != nil {
		errs = append(errs, err)
	}
	o.page = nil
	o.transition(StateClosed)
	o.logger.Info("Browser session closed.")
	return errors.Join(errs...)
}

// Run starts o, hands it to fn and closes it on every exit path, panics
// included.
func Run(ctx context.Context, o *Orchestrator, fn func(context.Context, *Orchestrator) error) (err error) {
	if err := o.Start(ctx); err != nil {
		return errors.Join(err, o.Close(ctx))
	}
	defer func() {
		if r := recover(); r != nil {
			_ = o.Close(ctx)
			panic(r)
		}
		err = errors.Join(err, o.Close(ctx))
	}()
	return fn(ctx, o)
}
