package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/glyphcloak/pkg/batch"
	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/keystore"
	"github.com/polisai/glyphcloak/pkg/pipeline"
	"github.com/polisai/glyphcloak/pkg/service"
	"github.com/polisai/glyphcloak/pkg/telemetry"
	"github.com/polisai/glyphcloak/pkg/transform"
)

const telemetryShutdownTimeout = 5 * time.Second

// backend cloaks and decrypts texts, either through a remote transform
// service or an in-process one.
type backend interface {
	batch.Encrypter
	interact.Decrypter
}

func (a *app) backend(metrics *telemetry.Metrics) (backend, error) {
	if u := a.cfg.Transform.URL; u != "" {
		a.logger.Info("Using remote transform service", "url", u)
		hc := &http.Client{
			Timeout:   a.cfg.Transform.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		return transform.NewClient(u, transform.WithHTTPClient(hc), transform.WithLogger(a.logger)), nil
	}

	opts := []service.Option{service.WithLogger(a.logger)}
	if metrics != nil {
		opts = append(opts, service.WithMetrics(metrics))
	}
	svc, err := service.New(a.cfg.Service.ToService(), opts...)
	if err != nil {
		return nil, fmt.Errorf("transform service: %w", err)
	}
	return svc, nil
}

// cloaker runs the pipeline over standalone files. Its batch client keeps
// the pinned nonce between runs, so re-cloaking a file reuses its font.
type cloaker struct {
	pipeline *pipeline.Pipeline
	store    *keystore.Store
}

func (a *app) newCloaker(checkFonts bool) (*cloaker, error) {
	be, err := a.backend(nil)
	if err != nil {
		return nil, err
	}
	client := batch.New(be, a.cfg.Transform.ToBatch(), batch.WithLogger(a.logger))
	store := keystore.New()

	opts := []pipeline.Option{pipeline.WithLogger(a.logger)}
	if checkFonts {
		opts = append(opts, pipeline.WithFontLoader(pipeline.NewHTTPFontLoader(nil, nil)))
	}
	p, err := pipeline.New(a.cfg.Extract.ToExtract(), client, store, opts...)
	if err != nil {
		return nil, err
	}
	return &cloaker{pipeline: p, store: store}, nil
}

// cloakFile cloaks in and writes the page to out, or stdout when out is
// empty. Key material is written to keysOut when set.
func (c *cloaker) cloakFile(ctx context.Context, in, out, keysOut string, skip []string, stdout io.Writer) (pipeline.Report, error) {
	raw, err := os.ReadFile(in) //nolint:gosec // path comes from the command line
	if err != nil {
		return pipeline.Report{}, err
	}
	doc, err := dom.Parse(string(raw))
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("parse %s: %w", in, err)
	}
	report, err := c.pipeline.RunWith(ctx, doc, pipeline.RunOptions{Trigger: pipeline.TriggerInitial, Skip: skip})
	if err != nil && report.Rewritten == 0 {
		return report, err
	}
	rendered, err := dom.Render(doc)
	if err != nil {
		return report, err
	}
	if err := writeOutput(out, rendered, stdout); err != nil {
		return report, err
	}
	if keysOut != "" {
		if err := writeKeys(keysOut, c.store); err != nil {
			return report, err
		}
	}
	return report, nil
}

// writeOutput replaces out atomically so watchers never see a partial file.
func writeOutput(out, content string, stdout io.Writer) error {
	if out == "" || out == "-" {
		_, err := io.WriteString(stdout, content)
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), ".glyphcloak-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), out)
}

func (a *app) setupTelemetry(ctx context.Context) (func(), error) {
	shutdown, err := telemetry.SetupProvider(ctx, a.cfg.Telemetry.ToTelemetry())
	if err != nil {
		return nil, fmt.Errorf("telemetry initialization failed: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.logger.Error("Telemetry shutdown error", "error", err)
		}
	}, nil
}

// serveHTTP serves h on addr until ctx is done, then shuts down gracefully.
func (a *app) serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	a.logger.Info("Server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
