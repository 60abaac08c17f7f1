// Package refresh mints fresh site cookies over plain HTTP, outside the
// browser, for when the browser session gets blocked.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/forumcrawl/internal/browser/stealth"
	"github.com/xkilldash9x/forumcrawl/internal/config"
	"github.com/xkilldash9x/forumcrawl/internal/detect"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
)

// ErrRefreshUnavailable means no usable cookies could be obtained.
var ErrRefreshUnavailable = errors.New("credential refresh unavailable")

// Refresher obtains fresh cookies for a URL.
type Refresher interface {
	Refresh(ctx context.Context, target string) (*snapshot.Snapshot, error)
}

var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const (
	maxRedirects = 10

	DefaultDialTimeout         = 15 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
)

// Client is the resty based Refresher. Each Refresh runs on its own cookie
// jar so results never leak between calls; connections are shared.
type Client struct {
	cfg       config.RefresherConfig
	persona   stealth.Persona
	base      http.RoundTripper
	limiter   *rate.Limiter
	challenge detect.ChallengeDetector
	logger    *zap.Logger
	now       func() time.Time

	requestID atomic.Uint64
}

var _ Refresher = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithChallengeDetector overrides the detector used to reject challenge bodies.
func WithChallengeDetector(d detect.ChallengeDetector) Option {
	return func(c *Client) { c.challenge = d }
}

// WithTransport replaces the base transport. The challenge bypass is applied
// on top of it.
func WithTransport(t *http.Transport) Option {
	return func(c *Client) { c.base = cloudflarebp.AddCloudFlareByPass(t) }
}

// New builds a Client. The persona supplies the User-Agent and language so
// refreshed cookies are minted for the same fingerprint the browser shows.
func New(cfg config.RefresherConfig, persona stealth.Persona, logger *zap.Logger, opts ...Option) (*Client, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	c := &Client{
		cfg:       cfg,
		persona:   persona,
		base:      cloudflarebp.AddCloudFlareByPass(transport),
		limiter:   rate.NewLimiter(limit, 1),
		challenge: detect.NewPhraseMatcher(detect.DefaultChallengePhrases),
		logger:    logger.Named("refresher"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newTransport builds the raw transport. Compression is left to the
// decompressor so brotli is understood too.
func newTransport(cfg config.RefresherConfig) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid refresher.proxy_url: %w", err)
		}
		proxy = http.ProxyURL(u)
	}
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   4,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}, nil
}

// Refresh fetches target and returns every cookie the site set along the way.
func (c *Client) Refresh(ctx context.Context, target string) (*snapshot.Snapshot, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid refresh url %q", ErrRefreshUnavailable, target)
	}

	recorder := &cookieRecorder{next: c.base, now: c.now}
	client, err := c.newResty(u, recorder)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Refreshing session cookies.", zap.String("url", target))
	resp, err := client.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrRefreshUnavailable, code)
	}
	if c.challenge.IsChallenged(resp.String()) {
		return nil, fmt.Errorf("%w: refresh served a challenge page", ErrRefreshUnavailable)
	}

	cookies := recorder.Cookies()
	if len(cookies) == 0 {
		return nil, fmt.Errorf("%w: no cookies were set", ErrRefreshUnavailable)
	}
	c.logger.Info("Session cookies refreshed.", zap.Int("cookies", len(cookies)))
	return &snapshot.Snapshot{Cookies: cookies}, nil
}

func (c *Client) newResty(target *url.URL, recorder *cookieRecorder) (*resty.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	client := resty.New().
		SetTransport(decompressor{next: recorder}).
		SetCookieJar(jar).
		SetTimeout(c.cfg.Timeout).
		SetRedirectPolicy(
			resty.FlexibleRedirectPolicy(maxRedirects),
			resty.DomainCheckRedirectPolicy(target.Hostname(), "www."+target.Hostname()),
		).
		SetRetryCount(c.cfg.RetryCount).
		SetRetryWaitTime(c.cfg.RetryWait).
		SetRetryMaxWaitTime(c.cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && retryStatuses[r.StatusCode()])
		}).
		SetHeaders(c.headers(target))

	client.OnBeforeRequest(c.onBeforeRequest)
	client.OnAfterResponse(c.onAfterResponse)
	client.OnError(c.onError)
	return client, nil
}

// headers mirror a top level navigation from the browser persona.
func (c *Client) headers(target *url.URL) map[string]string {
	h := map[string]string{
		"User-Agent":                c.persona.UserAgent,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "same-origin",
		"Sec-Fetch-User":            "?1",
		"Referer":                   target.Scheme + "://" + target.Host + "/",
	}
	if h["User-Agent"] == "" {
		h["User-Agent"] = config.DefaultUserAgent
	}
	if al := c.persona.AcceptLanguage(); al != "" {
		h["Accept-Language"] = al
	}
	return h
}

type reqCtxKeyType int

var reqCtxKey reqCtxKeyType

type reqCtx struct {
	id    uint64
	start time.Time
}

func (c *Client) onBeforeRequest(_ *resty.Client, req *resty.Request) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	id := c.requestID.Add(1)
	req.SetContext(context.WithValue(req.Context(), reqCtxKey, reqCtx{id: id, start: time.Now()}))
	c.logger.Debug("Refresh request.", zap.Uint64("id", id), zap.String("method", req.Method), zap.String("url", req.URL))
	return nil
}

func (c *Client) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	fields := []zap.Field{zap.Int("status", res.StatusCode())}
	if rc, ok := res.Request.Context().Value(reqCtxKey).(reqCtx); ok {
		fields = append(fields, zap.Uint64("id", rc.id), zap.Duration("took", time.Since(rc.start)))
	}
	c.logger.Debug("Refresh response.", fields...)
	return nil
}

func (c *Client) onError(req *resty.Request, err error) {
	c.logger.Warn("Refresh request failed.", zap.String("url", req.URL), zap.Error(err))
}
