package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/polisai/glyphcloak/internal/governance"
	"github.com/polisai/glyphcloak/pkg/batch"
	"github.com/polisai/glyphcloak/pkg/extract"
	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/logging"
	"github.com/polisai/glyphcloak/pkg/policy"
	"github.com/polisai/glyphcloak/pkg/proxy"
	"github.com/polisai/glyphcloak/pkg/service"
	"github.com/polisai/glyphcloak/pkg/session"
	"github.com/polisai/glyphcloak/pkg/telemetry"
)

// ToService converts the service section.
func (c ServiceConfig) ToService() service.Config {
	return service.Config{
		SecretKey:        c.SecretKey,
		FontBaseURL:      c.FontBaseURL,
		MappingCacheSize: c.MappingCacheSize,
		RateLimit: governance.RateLimiterConfig{
			RequestsPerSecond: c.RateLimit.RequestsPerSecond,
			BurstSize:         c.RateLimit.Burst,
		},
	}
}

// ToBatch converts the transform section into batch client settings.
func (c TransformConfig) ToBatch() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.MaxBatchSize = c.MaxBatchSize
	cfg.Retries = c.Retries
	cfg.RetryDelay = c.RetryDelay
	if c.CacheSize > 0 {
		cfg.CacheSize = c.CacheSize
	}
	if c.SecretKey != 0 {
		key := c.SecretKey
		cfg.SecretKey = &key
	}
	cfg.Breaker.MaxFailures = c.Breaker.MaxFailures
	if c.Breaker.Timeout > 0 {
		cfg.Breaker.Timeout = c.Breaker.Timeout
	}
	return cfg
}

// ToExtract converts the extract section.
func (c ExtractConfig) ToExtract() extract.Options {
	return extract.Options{
		Roots:     append([]string(nil), c.Roots...),
		Skip:      append([]string(nil), c.Skip...),
		MinLength: c.MinLength,
	}
}

// ToSearch converts the search section.
func (c SearchConfig) ToSearch() interact.SearchOptions {
	return interact.SearchOptions{CaseInsensitive: c.CaseInsensitive}
}

// ToSession assembles per-session settings from the proxy, extract and
// transform sections.
func (c *Config) ToSession() session.Config {
	return session.Config{
		TTL:         c.Proxy.SessionTTL,
		Extract:     c.Extract.ToExtract(),
		Batch:       c.Transform.ToBatch(),
		CopyTimeout: c.Proxy.CopyTimeout,
		MaxSessions: c.Proxy.MaxSessions,
	}
}

// ToProxy converts the proxy section. The upstream is required here.
func (c *Config) ToProxy() (proxy.Config, error) {
	if c.Proxy.Upstream == "" {
		return proxy.Config{}, fmt.Errorf("proxy upstream is not configured")
	}
	u, err := url.Parse(c.Proxy.Upstream)
	if err != nil {
		return proxy.Config{}, fmt.Errorf("proxy upstream: %w", err)
	}
	return proxy.Config{
		Upstream:      u,
		MaxBodyBytes:  c.Proxy.MaxBodyBytes,
		SessionCookie: c.Proxy.SessionCookie,
		Posture:       policy.Mode(c.Policy.Mode),
	}, nil
}

// ToLogging converts the logging section.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{Level: c.Level, Pretty: c.Pretty}
}

// ToTelemetry converts the telemetry section.
func (c TelemetryConfig) ToTelemetry() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.ServiceName,
		Endpoint:    c.OTLPEndpoint,
		Environment: c.Environment,
		Insecure:    c.Insecure,
		SampleRatio: c.SampleRatio,
	}
}

// Evaluator builds the page policy. Without modules, an entrypoint or blocked
// agents the default action applies to every page.
func (c PolicyConfig) Evaluator(ctx context.Context, baseDir string, logger *slog.Logger) (policy.Evaluator, error) {
	if len(c.Modules) == 0 && c.Entrypoint == "" && len(c.BlockedAgents) == 0 {
		return policy.Static(policy.Action(c.DefaultAction)), nil
	}
	modules, err := c.LoadModules(baseDir)
	if err != nil {
		return nil, err
	}
	return policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      c.Entrypoint,
		Modules:         modules,
		BlockedAgents:   c.BlockedAgents,
		CacheMaxEntries: c.CacheMaxEntries,
		Logger:          logger,
	})
}
