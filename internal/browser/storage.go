package browser

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
)

// fromCDPCookie converts a browser cookie into its snapshot form.
func fromCDPCookie(c *network.Cookie) snapshot.Cookie {
	expires := c.Expires
	if c.Session || expires <= 0 {
		expires = -1
	}
	return snapshot.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: string(c.SameSite),
	}
}

// toCookieParam converts a snapshot cookie for network.SetCookies. Cookies
// without a domain are scoped to fallbackURL.
func toCookieParam(c snapshot.Cookie, fallbackURL string) *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if p.Domain == "" {
		p.URL = fallbackURL
	}
	if p.Path == "" {
		p.Path = "/"
	}
	if ss, ok := sameSite(c.SameSite); ok {
		p.SameSite = ss
	}
	if c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		t := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		p.Expires = &t
	}
	return p
}

func sameSite(v string) (network.CookieSameSite, bool) {
	switch strings.ToLower(v) {
	case "strict":
		return network.CookieSameSiteStrict, true
	case "lax":
		return network.CookieSameSiteLax, true
	case "none":
		return network.CookieSameSiteNone, true
	}
	return "", false
}

// dumpLocalStorageJS returns the page origin and its localStorage as
// {origin, items: [[name, value], ...]}.
const dumpLocalStorageJS = `(function() {
	const out = { origin: location.origin, items: [] };
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			if (k !== null) { out.items.push([k, localStorage.getItem(k)]); }
		}
	} catch (e) {}
	return out;
})()`

type localStorageDump struct {
	Origin string      `json:"origin"`
	Items  [][2]string `json:"items"`
}

func (d localStorageDump) toOrigin() (snapshot.Origin, bool) {
	// Opaque origins (about:blank, data:) serialize as "null".
	if d.Origin == "" || d.Origin == "null" {
		return snapshot.Origin{}, false
	}
	o := snapshot.Origin{Origin: d.Origin, LocalStorage: make([]snapshot.StorageEntry, 0, len(d.Items))}
	for _, kv := range d.Items {
		o.LocalStorage = append(o.LocalStorage, snapshot.StorageEntry{Name: kv[0], Value: kv[1]})
	}
	return o, true
}

// restoreLocalStorageJS builds a script that, on every new document, seeds the
// localStorage of a matching origin once per tab.
func restoreLocalStorageJS(origins []snapshot.Origin) (string, error) {
	byOrigin := make(map[string][][2]string, len(origins))
	for _, o := range origins {
		for _, e := range o.LocalStorage {
			byOrigin[o.Origin] = append(byOrigin[o.Origin], [2]string{e.Name, e.Value})
		}
	}
	data, err := json.Marshal(byOrigin)
	if err != nil {
		return "", fmt.Errorf("encoding local storage: %w", err)
	}
	return fmt.Sprintf(`(function(data) {
	try {
		const items = data[location.origin];
		if (!items || sessionStorage.getItem("__restored_local_storage")) { return; }
		for (const [k, v] of items) { localStorage.setItem(k, v); }
		sessionStorage.setItem("__restored_local_storage", "1");
	} catch (e) {}
})(%s);`, data), nil
}
