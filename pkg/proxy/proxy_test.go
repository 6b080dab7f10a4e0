package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/policy"
	"github.com/polisai/glyphcloak/pkg/rewrite"
	"github.com/polisai/glyphcloak/pkg/service"
	"github.com/polisai/glyphcloak/pkg/session"
)

const article = `<html><head><title>News</title></head><body><h1>Hello World</h1><p>The quick brown fox.</p></body></html>`

type failingPolicy struct{}

func (failingPolicy) Evaluate(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Decision{}, errors.New("bundle unavailable")
}

func upstream(t *testing.T) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{color:red}")
		case "/missing":
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "<p>Not here</p>")
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, article)
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

func newProxy(t *testing.T, cfg Config, opts ...Option) *httptest.Server {
	t.Helper()
	svc, err := service.New(service.DefaultConfig())
	require.NoError(t, err)
	sessions := session.NewManager(svc, session.DefaultConfig(), session.WithDecrypter(svc))
	if cfg.Upstream == nil {
		cfg.Upstream = upstream(t)
	}
	p, err := New(cfg, sessions, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string, cookies ...*http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func post(t *testing.T, srv *httptest.Server, path string, payload any, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == DefaultSessionCookie {
			return c
		}
	}
	return nil
}

func TestProxyCloaksHTML(t *testing.T) {
	srv := newProxy(t, Config{})

	resp, body := get(t, srv, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	assert.Equal(t, cookie.Value, resp.Header.Get(SessionHeader))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	assert.NotContains(t, body, "Hello World")
	assert.Contains(t, body, `id="gc-styles"`)

	doc, err := dom.Parse(body)
	require.NoError(t, err)
	containers := rewrite.Containers(doc)
	require.Len(t, containers, 2)

	clipResp := post(t, srv, PathCopy, interact.SelectionOf(containers[0]), cookie)
	require.Equal(t, http.StatusOK, clipResp.StatusCode)
	var clip interact.Clip
	require.NoError(t, json.NewDecoder(clipResp.Body).Decode(&clip))
	assert.True(t, clip.Intercepted)
	assert.Equal(t, interact.SourceLocal, clip.Source)
	assert.Equal(t, "Hello World", clip.Text)

	searchResp := post(t, srv, PathSearch, SearchRequest{Query: "quick", CaseInsensitive: true}, cookie)
	require.Equal(t, http.StatusOK, searchResp.StatusCode)
	var found SearchResponse
	require.NoError(t, json.NewDecoder(searchResp.Body).Decode(&found))
	require.NotEmpty(t, found.Terms)
	assert.Equal(t, "quick", found.Terms[0].Variant)
	assert.Contains(t, dom.TextContent(containers[1]), found.Terms[0].Encrypted)
}

func TestProxyReusesSession(t *testing.T) {
	srv := newProxy(t, Config{})

	first, _ := get(t, srv, "/")
	cookie := sessionCookie(first)
	require.NotNil(t, cookie)

	second, _ := get(t, srv, "/other", cookie)
	assert.Nil(t, sessionCookie(second))
	assert.Equal(t, cookie.Value, second.Header.Get(SessionHeader))
}

func TestProxyPassesThroughOtherContent(t *testing.T) {
	srv := newProxy(t, Config{})

	resp, body := get(t, srv, "/style.css")
	assert.Equal(t, "body{color:red}", body)
	assert.Empty(t, resp.Header.Get(SessionHeader))

	resp, body = get(t, srv, "/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "<p>Not here</p>", body)
}

func TestProxyPolicyActions(t *testing.T) {
	t.Run("block", func(t *testing.T) {
		srv := newProxy(t, Config{}, WithPolicy(policy.Static(policy.ActionBlock)))
		resp, _ := get(t, srv, "/")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("passthrough", func(t *testing.T) {
		srv := newProxy(t, Config{}, WithPolicy(policy.Static(policy.ActionPassthrough)))
		_, body := get(t, srv, "/")
		assert.Equal(t, article, body)
	})
	t.Run("fail closed", func(t *testing.T) {
		srv := newProxy(t, Config{Posture: policy.ModeFailClosed}, WithPolicy(failingPolicy{}))
		resp, _ := get(t, srv, "/")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("fail open", func(t *testing.T) {
		srv := newProxy(t, Config{Posture: policy.ModeFailOpen}, WithPolicy(failingPolicy{}))
		_, body := get(t, srv, "/")
		assert.NotContains(t, body, "Hello World")
	})
}

func TestProxySkipsLargePages(t *testing.T) {
	srv := newProxy(t, Config{MaxBodyBytes: 32})
	_, body := get(t, srv, "/")
	assert.Equal(t, article, body)
}

func TestEndpointsRequireSession(t *testing.T) {
	srv := newProxy(t, Config{})

	resp := post(t, srv, PathCopy, interact.Selection{Text: "abc"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv, PathSearch, SearchRequest{Query: "x"}, &http.Cookie{Name: DefaultSessionCookie, Value: "gone"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	u, _ := url.Parse("http://example.com")
	_, err = New(Config{Upstream: u, Posture: "sometimes"}, nil)
	assert.Error(t, err)
}
