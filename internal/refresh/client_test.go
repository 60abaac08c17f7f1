package refresh

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/forumcrawl/internal/browser/stealth"
	"github.com/xkilldash9x/forumcrawl/internal/config"
)

func testConfig() config.RefresherConfig {
	return config.RefresherConfig{
		Enabled:      true,
		Timeout:      5 * time.Second,
		RetryCount:   2,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg config.RefresherConfig) *Client {
	t.Helper()
	c, err := New(cfg, stealth.Persona{UserAgent: "test-agent/1.0", Languages: []string{"en-US", "en"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestRefreshCollectsCookiesAcrossRedirects(t *testing.T) {
	var gotUA, gotLang atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "__cf_bm", Value: "bm", Path: "/", HttpOnly: true, SameSite: http.SameSiteNoneMode, MaxAge: 1800})
		http.Redirect(w, r, "/index.php", http.StatusFound)
	})
	mux.HandleFunc("/index.php", func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotLang.Store(r.Header.Get("Accept-Language"))
		if _, err := r.Cookie("__cf_bm"); err != nil {
			http.Error(w, "missing redirect cookie", http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "phpbb3_sid", Value: "fresh", Secure: true, SameSite: http.SameSiteLaxMode})
		http.SetCookie(w, &http.Cookie{Name: "stale", Value: "", MaxAge: -1})
		fmt.Fprint(w, "<html><body>Board index</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, testConfig())
	fixed := time.Unix(1_800_000_000, 0)
	c.now = func() time.Time { return fixed }

	snap, err := c.Refresh(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	require.Len(t, snap.Cookies, 2)

	bm := snap.Cookies[0]
	assert.Equal(t, "__cf_bm", bm.Name)
	assert.Equal(t, "127.0.0.1", bm.Domain)
	assert.Equal(t, "/", bm.Path)
	assert.Equal(t, float64(fixed.Unix()+1800), bm.Expires)
	assert.True(t, bm.HTTPOnly)
	assert.False(t, bm.Secure)
	assert.Equal(t, "None", bm.SameSite)

	sid := snap.Cookies[1]
	assert.Equal(t, "phpbb3_sid", sid.Name)
	assert.Equal(t, float64(-1), sid.Expires)
	assert.Equal(t, "Lax", sid.SameSite)
	assert.True(t, sid.Secure)

	assert.Equal(t, "test-agent/1.0", gotUA.Load())
	assert.Equal(t, "en-US,en;q=0.9", gotLang.Load())
}

func TestRefreshFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.SetCookie(w, &http.Cookie{Name: "a", Value: "b"})
				w.WriteHeader(http.StatusForbidden)
			},
			want: "status 403",
		},
		{
			name: "challenge body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.SetCookie(w, &http.Cookie{Name: "a", Value: "b"})
				fmt.Fprint(w, "<title>Just a moment...</title>")
			},
			want: "challenge page",
		},
		{
			name: "no cookies",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "<html>ok</html>")
			},
			want: "no cookies",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			snap, err := newTestClient(t, testConfig()).Refresh(context.Background(), srv.URL)
			assert.Nil(t, snap)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRefreshUnavailable)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("invalid url", func(t *testing.T) {
		_, err := newTestClient(t, testConfig()).Refresh(context.Background(), "not a url")
		assert.ErrorIs(t, err, ErrRefreshUnavailable)
	})

	t.Run("transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		_, err := newTestClient(t, testConfig()).Refresh(context.Background(), addr)
		assert.ErrorIs(t, err, ErrRefreshUnavailable)
	})
}

func TestRefreshRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok"})
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	snap, err := newTestClient(t, testConfig()).Refresh(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "ok", snap.Cookies[0].Value)
}

func TestRefreshGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, testConfig()).Refresh(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrRefreshUnavailable)
	assert.Equal(t, int32(3), hits.Load(), "one attempt plus two retries")
}

func TestRefreshDecodesCompressedBodies(t *testing.T) {
	challenge := []byte("<title>Just a moment...</title>")

	encoders := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(b)
			_ = zw.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(b)
			_ = bw.Close()
			return buf.Bytes()
		},
	}
	for enc, encode := range encoders {
		t.Run(enc, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get("Accept-Encoding"), enc)
				http.SetCookie(w, &http.Cookie{Name: "sid", Value: "x"})
				w.Header().Set("Content-Encoding", enc)
				_, _ = w.Write(encode(challenge))
			}))
			defer srv.Close()

			// The challenge phrase is only visible once the body is decoded.
			_, err := newTestClient(t, testConfig()).Refresh(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "challenge page")
		})
	}
}

func TestRefreshHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestClient(t, testConfig()).Refresh(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRefreshUnavailable))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewRejectsBadProxy(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyURL = "://bad"
	_, err := New(cfg, stealth.Persona{}, zap.NewNop())
	assert.Error(t, err)
}
