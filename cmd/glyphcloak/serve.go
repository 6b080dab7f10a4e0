package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/glyphcloak/pkg/config"
	"github.com/polisai/glyphcloak/pkg/pipeline"
	"github.com/polisai/glyphcloak/pkg/proxy"
	"github.com/polisai/glyphcloak/pkg/service"
	"github.com/polisai/glyphcloak/pkg/session"
	"github.com/polisai/glyphcloak/pkg/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transform service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.ServiceAddress = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "Listen address (overrides server.service_address)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	shutdown, err := a.setupTelemetry(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	metrics := telemetry.NewMetrics()
	svc, err := service.New(a.cfg.Service.ToService(), service.WithLogger(a.logger), service.WithMetrics(metrics))
	if err != nil {
		return err
	}

	h := svc.Handler()
	if dir := a.cfg.Service.FontDir; dir != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /fonts/", http.StripPrefix("/fonts/", http.FileServer(http.Dir(dir))))
		mux.Handle("/", h)
		h = mux
		a.logger.Info("Serving fonts", "dir", dir)
	}

	a.logger.Info("Starting transform service", "addr", a.cfg.Server.ServiceAddress, "font_base_url", a.cfg.Service.FontBaseURL)
	return a.serveHTTP(ctx, a.cfg.Server.ServiceAddress, h)
}

func newProxyCmd(a *app) *cobra.Command {
	var (
		addr       string
		upstream   string
		checkFonts bool
	)
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve an upstream site with its pages cloaked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.ProxyAddress = addr
			}
			if upstream != "" {
				a.cfg.Proxy.Upstream = upstream
				if err := a.cfg.Proxy.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.proxy(ctx, checkFonts)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "Listen address (overrides server.proxy_address)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Upstream site (overrides proxy.upstream)")
	cmd.Flags().BoolVar(&checkFonts, "check-fonts", false, "Fetch each cloaking font and leave it unset when unreachable")
	return cmd
}

func (a *app) proxy(ctx context.Context, checkFonts bool) error {
	pc, err := a.cfg.ToProxy()
	if err != nil {
		return err
	}

	shutdown, err := a.setupTelemetry(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	metrics := telemetry.NewMetrics()
	be, err := a.backend(metrics)
	if err != nil {
		return err
	}

	sessOpts := []session.Option{
		session.WithLogger(a.logger),
		session.WithMetrics(metrics),
		session.WithDecrypter(be),
	}
	if checkFonts {
		sessOpts = append(sessOpts, session.WithFontLoader(pipeline.NewHTTPFontLoader(nil, nil)))
	}
	sessions := session.NewManager(be, a.cfg.ToSession(), sessOpts...)

	var baseDir string
	if a.configPath != "" {
		baseDir = filepath.Dir(a.configPath)
	}
	evaluator, err := a.cfg.Policy.Evaluator(ctx, baseDir, a.logger)
	if err != nil {
		return err
	}

	p, err := proxy.New(pc, sessions,
		proxy.WithPolicy(evaluator),
		proxy.WithMetrics(metrics),
		proxy.WithLogger(a.logger))
	if err != nil {
		return err
	}
	p.StartCleanup(ctx, a.cfg.Proxy.CleanupInterval)

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(cfg *config.Config) error {
			sessions.UpdateConfig(cfg.ToSession())
			a.logger.Info("Session settings reloaded", "ttl", cfg.Proxy.SessionTTL)
			return nil
		}, config.WithReloadRecorder(metrics), config.WithWatchLogger(a.logger))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = w.Stop() }()
	}

	a.logger.Info("Starting cloaking proxy",
		"addr", a.cfg.Server.ProxyAddress,
		"upstream", pc.Upstream.String(),
		"posture", pc.Posture)
	return a.serveHTTP(ctx, a.cfg.Server.ProxyAddress, p.Handler())
}
