// Package proxy serves an upstream site with its HTML pages cloaked.
//
// Each visitor gets a session, carried in a cookie, that owns the key
// material of the pages served to them. The copy and search endpoints under
// /_cloak/ use that session to turn cipher text back into plain text and to
// cloak search queries.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/logging"
	"github.com/polisai/glyphcloak/pkg/pipeline"
	"github.com/polisai/glyphcloak/pkg/policy"
	"github.com/polisai/glyphcloak/pkg/session"
	"github.com/polisai/glyphcloak/pkg/telemetry"
)

// Defaults.
const (
	DefaultSessionCookie = "gc_session"
	DefaultMaxBodyBytes  = 10 << 20
	// SessionHeader may carry the session id instead of the cookie.
	SessionHeader = "X-Glyphcloak-Session"
)

// Config holds proxy settings.
type Config struct {
	Upstream *url.URL
	// MaxBodyBytes bounds the pages that are cloaked. Larger pages pass
	// through unchanged.
	MaxBodyBytes  int64
	SessionCookie string
	// Posture decides what happens when the policy cannot be evaluated.
	Posture policy.Mode
}

// Proxy is a cloaking reverse proxy.
type Proxy struct {
	cfg      Config
	sessions *session.Manager
	policy   policy.Evaluator
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	rp       *httputil.ReverseProxy
}

// Option customises a Proxy.
type Option func(*Proxy)

// WithPolicy gates every page through e.
func WithPolicy(e policy.Evaluator) Option {
	return func(p *Proxy) { p.policy = e }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.rp.Transport = rt }
}

// New returns a proxy for cfg.Upstream.
func New(cfg Config, sessions *session.Manager, opts ...Option) (*Proxy, error) {
	if cfg.Upstream == nil || cfg.Upstream.Host == "" {
		return nil, errors.New("proxy: upstream url is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}
	if cfg.Posture == "" {
		cfg.Posture = policy.ModeFailOpen
	}
	if !cfg.Posture.IsValid() {
		return nil, fmt.Errorf("proxy: invalid posture %q", cfg.Posture)
	}

	p := &Proxy{
		cfg:      cfg,
		sessions: sessions,
		policy:   policy.Static(policy.ActionCloak),
		logger:   slog.Default(),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(cfg.Upstream)
			pr.SetXForwarded()
			// Pages are rewritten, so they must arrive uncompressed.
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport:      otelhttp.NewTransport(http.DefaultTransport),
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Handler returns the proxy with its endpoints, access log, metrics and
// tracing.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathCopy, p.handleCopy)
	mux.HandleFunc("POST "+PathSearch, p.handleSearch)
	if p.metrics != nil {
		mux.Handle("GET "+PathMetrics, p.metrics.Handler())
	}
	mux.Handle("/", p.rp)

	var h http.Handler = mux
	if p.metrics != nil {
		h = p.metrics.MetricsMiddleware(h)
	}
	h = logging.AccessLog(h)
	return otelhttp.NewHandler(h, "glyphcloak.proxy")
}

func isHTML(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/html"
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK || !isHTML(resp) || resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	req := resp.Request
	ctx := req.Context()
	span := trace.SpanFromContext(ctx)

	decision := p.decide(ctx, req, resp)
	telemetry.RecordPolicyDecision(span, decision)
	switch decision.Action {
	case policy.ActionBlock:
		return fmt.Errorf("%w: %s", policy.ErrBlocked, decision.Reason)
	case policy.ActionPassthrough:
		return nil
	}

	raw, replay, err := readBounded(resp.Body, p.cfg.MaxBodyBytes)
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	if replay != nil {
		p.logger.Debug("page too large to cloak", "path", req.URL.Path)
		resp.Body = replay
		return nil
	}

	sess, created, err := p.session(req)
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		p.logger.Warn("no session, serving page uncloaked", "error", err)
		return nil
	}

	out, err := p.cloak(ctx, sess, raw, decision.Skip)
	if err != nil {
		p.logger.Warn("cloaking failed, serving page uncloaked", "path", req.URL.Path, "error", err)
		out = raw
	}

	if created {
		resp.Header.Add("Set-Cookie", (&http.Cookie{
			Name:     p.cfg.SessionCookie,
			Value:    sess.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		}).String())
	}
	resp.Header.Set(SessionHeader, sess.ID)
	resp.Header.Del("ETag")
	resp.Header.Set("Cache-Control", "no-store")
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.ContentLength = int64(len(out))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	span.SetAttributes(telemetry.RedactAttributes([]attribute.KeyValue{
		attribute.String("cloak.session", sess.ID),
		attribute.Int("cloak.bytes", len(out)),
	}, "cloak.session")...)
	return nil
}

func (p *Proxy) decide(ctx context.Context, req *http.Request, resp *http.Response) policy.Decision {
	host := req.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = req.URL.Host
	}
	d, err := p.policy.Evaluate(ctx, policy.Input{
		Host:        host,
		Path:        req.URL.Path,
		Method:      req.Method,
		UserAgent:   req.Header.Get("User-Agent"),
		ContentType: resp.Header.Get("Content-Type"),
	})
	if err != nil {
		p.logger.Warn("policy evaluation failed", "posture", p.cfg.Posture, "error", err)
		return policy.Fallback(p.cfg.Posture, err)
	}
	return d
}

// cloak runs the session pipeline over a page. A partially failed run
// still yields a page: the failed texts stay plain.
func (p *Proxy) cloak(ctx context.Context, sess *session.Session, raw []byte, skip []string) ([]byte, error) {
	doc, err := dom.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	report, err := sess.Pipeline().RunWith(ctx, doc, pipeline.RunOptions{Trigger: pipeline.TriggerProxy, Skip: skip})
	if err != nil && report.Rewritten == 0 {
		return nil, err
	}
	out, err := dom.Render(doc)
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return []byte(out), nil
}

// session returns the visitor's session, creating one when the request
// carries none or an expired one.
func (p *Proxy) session(req *http.Request) (*session.Session, bool, error) {
	if id := p.sessionID(req); id != "" {
		if s, err := p.sessions.Get(id); err == nil {
			return s, false, nil
		}
	}
	s, err := p.sessions.Create()
	return s, true, err
}

func (p *Proxy) sessionID(req *http.Request) string {
	if id := req.Header.Get(SessionHeader); id != "" {
		return id
	}
	if c, err := req.Cookie(p.cfg.SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, policy.ErrBlocked) {
		p.logger.Info("page blocked", "path", r.URL.Path, "reason", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	p.logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// readBounded reads a body of at most limit bytes. A larger body is
// returned as a reader replaying it in full instead.
func readBounded(body io.ReadCloser, limit int64) ([]byte, io.ReadCloser, error) {
	buf, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		_ = body.Close()
		return nil, nil, err
	}
	if int64(len(buf)) > limit {
		return nil, struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), body), body}, nil
	}
	_ = body.Close()
	return buf, nil, nil
}

// StartCleanup expires idle sessions until ctx is done.
func (p *Proxy) StartCleanup(ctx context.Context, interval time.Duration) {
	stop := make(chan struct{})
	p.sessions.StartCleanupRoutine(interval, stop)
	go func() {
		<-ctx.Done()
		close(stop)
	}()
}
