package refresh

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
)

// cookieRecorder captures every Set-Cookie on every hop, redirects included.
// A cookie jar cannot be used for this: it only hands back name and value.
type cookieRecorder struct {
	next http.RoundTripper
	now  func() time.Time

	mu      sync.Mutex
	cookies []snapshot.Cookie
}

func (r *cookieRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	set := resp.Cookies()
	if len(set) == 0 {
		return resp, nil
	}

	converted := make([]snapshot.Cookie, 0, len(set))
	for _, c := range set {
		if sc, ok := r.convert(c, req); ok {
			converted = append(converted, sc)
		}
	}
	r.mu.Lock()
	r.cookies = snapshot.MergeCookies(r.cookies, converted)
	r.mu.Unlock()
	return resp, nil
}

// Cookies returns what has been recorded so far.
func (r *cookieRecorder) Cookies() []snapshot.Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snapshot.Cookie(nil), r.cookies...)
}

// convert maps a Set-Cookie onto the snapshot form. Deletions (Max-Age<0 or
// an expiry in the past) are dropped.
func (r *cookieRecorder) convert(c *http.Cookie, req *http.Request) (snapshot.Cookie, bool) {
	now := r.now()
	expires := float64(-1)
	switch {
	case c.MaxAge < 0:
		return snapshot.Cookie{}, false
	case c.MaxAge > 0:
		expires = float64(now.Add(time.Duration(c.MaxAge) * time.Second).Unix())
	case !c.Expires.IsZero():
		if c.Expires.Before(now) {
			return snapshot.Cookie{}, false
		}
		expires = float64(c.Expires.Unix())
	}

	domain := c.Domain
	if domain == "" {
		domain = req.URL.Hostname()
	} else if !strings.HasPrefix(domain, ".") {
		domain = "." + domain
	}
	path := c.Path
	if path == "" || !strings.HasPrefix(path, "/") {
		path = "/"
	}
	return snapshot.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   domain,
		Path:     path,
		Expires:  expires,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
		SameSite: sameSite(c.SameSite),
	}, true
}

func sameSite(m http.SameSite) string {
	switch m {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	}
	return ""
}
