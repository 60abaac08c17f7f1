// Package detect classifies rendered page content: logged in or not, behind an
// anti-bot challenge or not, served a block page or not.
package detect

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LoginDetector decides whether a page belongs to an authenticated session.
type LoginDetector interface {
	IsLoggedIn(content string) bool
}

// ChallengeDetector decides whether a page is an interstitial challenge.
type ChallengeDetector interface {
	IsChallenged(content string) bool
}

// Default phrase sets.
var (
	DefaultLoginPhrases     = []string{"logout", "user control panel", "my messages", "welcome back"}
	DefaultChallengePhrases = []string{"just a moment", "cf-challenge", "challenge-platform", "checking your browser", "verifying you are human", "cloudflare"}
	DefaultBlockedPhrases   = []string{"access denied", "you don't have permission", "error 1020", "you have been blocked"}
	DefaultSuccessPhrases   = []string{"login successful", "you have been successfully logged in"}
)

// PhraseMatcher matches any of a fixed set of phrases, case-insensitively and
// only on word boundaries.
type PhraseMatcher struct {
	re *regexp.Regexp
}

// NewPhraseMatcher compiles phrases. Blank phrases are ignored; a matcher with
// no phrases never matches.
func NewPhraseMatcher(phrases []string) *PhraseMatcher {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	if len(quoted) == 0 {
		return &PhraseMatcher{}
	}
	return &PhraseMatcher{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

// Match reports whether s contains any phrase.
func (m *PhraseMatcher) Match(s string) bool {
	return m.re != nil && m.re.MatchString(s)
}

// Find returns the first phrase occurrence in s, lowercased, or "".
func (m *PhraseMatcher) Find(s string) string {
	if m.re == nil {
		return ""
	}
	return strings.ToLower(m.re.FindString(s))
}

// IsChallenged lets a PhraseMatcher serve as a ChallengeDetector.
func (m *PhraseMatcher) IsChallenged(content string) bool { return m.Match(content) }

// IsBlockPage reports whether content is itself an edge block page: it carries
// the Cloudflare error markup, or its <title> names a phrase. Phrases in the
// body alone do not count, since forum posts quote them freely.
func (m *PhraseMatcher) IsBlockPage(content string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false
	}
	if doc.Find("#cf-error-details, .cf-error-details").Length() > 0 {
		return true
	}
	return m.Match(doc.Find("title").First().Text())
}

var (
	logoutHref       = regexp.MustCompile(`(?i)(mode=logout|/logout(?:[/?#"]|$)|logout\.php)`)
	controlPanelHref = regexp.MustCompile(`(?i)ucp\.php\?(?:[^"'\s]*&(?:amp;)?)?(?:mode=profile|i=)`)
)

// Signal names the evidence a SignalDetector acted on.
type Signal string

const (
	SignalNone         Signal = ""
	SignalLogoutLink   Signal = "logout-link"
	SignalControlPanel Signal = "control-panel-link"
	SignalPhrase       Signal = "phrase"
)

// SignalDetector looks for a logout link, then a control panel or profile
// link, then any login phrase in the visible text. The first hit wins.
type SignalDetector struct {
	phrases *PhraseMatcher
}

// NewSignalDetector builds a detector over phrases, or the defaults when
// phrases is empty.
func NewSignalDetector(phrases []string) *SignalDetector {
	if len(phrases) == 0 {
		phrases = DefaultLoginPhrases
	}
	return &SignalDetector{phrases: NewPhraseMatcher(phrases)}
}

func (d *SignalDetector) IsLoggedIn(content string) bool {
	return d.Detect(content) != SignalNone
}

// Detect returns the first signal found in content.
func (d *SignalDetector) Detect(content string) Signal {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return d.detectRaw(content)
	}

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})
	for _, h := range hrefs {
		if logoutHref.MatchString(h) {
			return SignalLogoutLink
		}
	}
	for _, h := range hrefs {
		if controlPanelHref.MatchString(h) {
			return SignalControlPanel
		}
	}
	if d.phrases.Match(doc.Text()) {
		return SignalPhrase
	}
	return SignalNone
}

func (d *SignalDetector) detectRaw(content string) Signal {
	switch {
	case logoutHref.MatchString(content):
		return SignalLogoutLink
	case controlPanelHref.MatchString(content):
		return SignalControlPanel
	case d.phrases.Match(content):
		return SignalPhrase
	}
	return SignalNone
}

// HasLoginForm reports whether content carries a password field or a form
// posting to the control panel.
func HasLoginForm(content string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false
	}
	return doc.Find(`input[name="password"], form[action*="mode=login"]`).Length() > 0
}
