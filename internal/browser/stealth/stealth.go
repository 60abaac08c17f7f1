package stealth

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/forumcrawl/internal/config"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
	Width     int
	Height    int
	// Headers are sent with every request of the tab.
	Headers map[string]string
}

// FromConfig builds the persona described by the browser configuration.
func FromConfig(cfg config.BrowserConfig) Persona {
	p := Persona{
		UserAgent: cfg.UserAgent,
		Platform:  cfg.Platform,
		Languages: cfg.Languages,
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
		Width:     cfg.Viewport.Width,
		Height:    cfg.Viewport.Height,
		Headers:   cfg.Headers,
	}
	if p.UserAgent == "" {
		p.UserAgent = config.DefaultUserAgent
	}
	if len(p.Languages) == 0 && p.Locale != "" {
		p.Languages = []string{p.Locale}
	}
	return p
}

// AcceptLanguage renders Languages as an Accept-Language value with
// descending q weights.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// ExtraHeaders merges the configured headers with Accept-Language. Header
// names are canonicalised so a configured accept-language wins.
func (p Persona) ExtraHeaders() network.Headers {
	h := network.Headers{}
	if al := p.AcceptLanguage(); al != "" {
		h["Accept-Language"] = al
	}
	keys := make([]string, 0, len(p.Headers))
	for k := range p.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h[canonical(k)] = p.Headers[k]
	}
	return h
}

func canonical(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, s := range parts {
		if s != "" {
			parts[i] = strings.ToUpper(s[:1]) + s[1:]
		}
	}
	return strings.Join(parts, "-")
}

// languagesScript pins navigator.languages to the persona's list.
func (p Persona) languagesScript() string {
	langs, _ := json.Marshal(p.Languages)
	return fmt.Sprintf(`Object.defineProperty(Navigator.prototype, 'languages', { get: () => %s, configurable: true });`, langs)
}

// Apply returns the tasks that make the tab present as the persona. They must
// run before the first navigation.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.String("timezone", p.Timezone),
	)

	ua := emulation.SetUserAgentOverride(p.UserAgent)
	if al := p.AcceptLanguage(); al != "" {
		ua = ua.WithAcceptLanguage(al)
	}
	if p.Platform != "" {
		ua = ua.WithPlatform(p.Platform)
	}

	tasks := chromedp.Tasks{
		ua,
		addScript(evasionsScript),
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, addScript(p.languagesScript()))
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if p.Width > 0 && p.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(int64(p.Width), int64(p.Height), 1, false))
	}
	if h := p.ExtraHeaders(); len(h) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(h))
	}
	return tasks
}

func addScript(src string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx); err != nil {
			return fmt.Errorf("failed to inject evasions script: %w", err)
		}
		return nil
	})
}
