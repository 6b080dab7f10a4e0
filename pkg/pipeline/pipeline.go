// Package pipeline runs the cloaking pass over a document: extract eligible
// text, cloak it through the batch client, load the fonts, record the
// reverse mappings and rewrite the tree.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/html"

	"github.com/polisai/glyphcloak/pkg/batch"
	"github.com/polisai/glyphcloak/pkg/extract"
	"github.com/polisai/glyphcloak/pkg/fontmap"
	"github.com/polisai/glyphcloak/pkg/keystore"
	"github.com/polisai/glyphcloak/pkg/rewrite"
	"github.com/polisai/glyphcloak/pkg/telemetry"
)

// Run triggers.
const (
	TriggerInitial = "initial"
	TriggerRescan  = "rescan"
	TriggerProxy   = "proxy"
)

// Observer receives run telemetry.
type Observer interface {
	RecordRun(trigger string, rewritten, failed int)
	RecordFontLoad(err error)
}

type nopObserver struct{}

func (nopObserver) RecordRun(string, int, int) {}
func (nopObserver) RecordFontLoad(error)       {}

// Report summarises one run.
type Report struct {
	Trigger string
	// Units is the number of eligible text nodes found.
	Units int
	// Rewritten units now show cipher text.
	Rewritten int
	// Failed units were left in plaintext because their sub-batch failed.
	Failed int
	// LineStartsFixed counts space segments removed by the second pass.
	LineStartsFixed int
	FontFailures    int
	Fonts           []rewrite.Font
	Duration        time.Duration
}

// RunOptions adjust a single run.
type RunOptions struct {
	Trigger string
	// Skip adds selectors to the configured skip list.
	Skip []string
}

// Pipeline cloaks documents. Runs on different documents may proceed
// concurrently; a document must not be run twice at once.
type Pipeline struct {
	opts     extract.Options
	extract  *extract.Extractor
	batch    *batch.Client
	store    *keystore.Store
	fonts    FontLoader
	logger   *slog.Logger
	observer Observer

	mu    sync.Mutex
	known map[string]rewrite.Font
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithFontLoader sets how fonts are loaded. Without one every font counts
// as loaded.
func WithFontLoader(l FontLoader) Option {
	return func(p *Pipeline) { p.fonts = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithObserver sets the telemetry sink.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// New builds a pipeline. The extract options are validated here.
func New(opts extract.Options, client *batch.Client, store *keystore.Store, options ...Option) (*Pipeline, error) {
	ex, err := extract.New(opts)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		opts:     opts,
		extract:  ex,
		batch:    client,
		store:    store,
		fonts:    FontLoaderFunc(func(context.Context, string) error { return nil }),
		logger:   slog.Default(),
		observer: nopObserver{},
		known:    make(map[string]rewrite.Font),
	}
	for _, o := range options {
		o(p)
	}
	return p, nil
}

// Store returns the store the pipeline records mappings in.
func (p *Pipeline) Store() *keystore.Store { return p.store }

// Run cloaks doc.
func (p *Pipeline) Run(ctx context.Context, doc *html.Node) (Report, error) {
	return p.RunWith(ctx, doc, RunOptions{Trigger: TriggerInitial})
}

// RunWith cloaks doc. Units of failed sub-batches stay in plaintext and the
// returned error describes the failure; the report is valid either way.
func (p *Pipeline) RunWith(ctx context.Context, doc *html.Node, ro RunOptions) (Report, error) {
	began := time.Now()
	report := Report{Trigger: ro.Trigger}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run")
	defer span.End()

	ex := p.extract
	if len(ro.Skip) > 0 {
		opts := p.opts
		opts.Skip = append(slices.Clone(opts.Skip), ro.Skip...)
		var err error
		if ex, err = extract.New(opts); err != nil {
			return report, fmt.Errorf("skip selectors: %w", err)
		}
	}

	units := ex.Extract(doc)
	report.Units = len(units)

	var runErr error
	if len(units) > 0 {
		texts := make([]string, len(units))
		for i, u := range units {
			texts[i] = u.Text
		}

		results, err := p.batch.Encrypt(ctx, texts)
		if err != nil {
			runErr = err
			span.RecordError(err)
		}

		fonts := p.prepareFonts(ctx, results, &report)
		for i, u := range units {
			r := results[i]
			if r == nil {
				report.Failed++
				continue
			}
			if _, ok := rewrite.Apply(u, r.Cipher, r.Encoding.SpaceChar, fonts[r.Encoding]); ok {
				report.Rewritten++
			}
		}
		report.LineStartsFixed = rewrite.FixLineStarts(doc)
	}

	report.Fonts = p.documentFonts(doc)
	if len(report.Fonts) > 0 {
		rewrite.InjectStyles(doc, report.Fonts)
	}
	report.Duration = time.Since(began)

	if report.Failed > 0 {
		telemetry.RecordFallback(span, "transform failed", report.Failed)
		p.logger.Warn("text left in plaintext", "units", report.Failed, "trigger", ro.Trigger, "error", runErr)
	}
	span.SetAttributes(
		attribute.String("pipeline.trigger", ro.Trigger),
		attribute.Int("pipeline.units", report.Units),
		attribute.Int("pipeline.rewritten", report.Rewritten),
	)
	if runErr != nil && report.Rewritten == 0 {
		span.SetStatus(codes.Error, "no text cloaked")
	}

	p.observer.RecordRun(ro.Trigger, report.Rewritten, report.Failed)
	telemetry.RecordRun(ctx, telemetry.RunMetrics{
		Trigger:      ro.Trigger,
		Units:        report.Units,
		Rewritten:    report.Rewritten,
		Failed:       report.Failed,
		FontFailures: report.FontFailures,
		Duration:     report.Duration,
		Err:          runErr,
	})
	p.logger.Debug("pipeline run",
		"trigger", ro.Trigger,
		"units", report.Units,
		"rewritten", report.Rewritten,
		"line_starts_fixed", report.LineStartsFixed,
		"duration", report.Duration,
	)
	return report, runErr
}

// prepareFonts loads the font of every encoding in results and records its
// mapping. A font that fails to load is logged and its text is still
// rewritten, without the font.
func (p *Pipeline) prepareFonts(ctx context.Context, results []*batch.Result, report *Report) map[*batch.Encoding]rewrite.Font {
	fonts := make(map[*batch.Encoding]rewrite.Font)
	for _, r := range results {
		if r == nil {
			continue
		}
		if _, done := fonts[r.Encoding]; done {
			continue
		}
		enc := r.Encoding
		font := rewrite.Font{Family: fontmap.Family(enc.Key), URL: enc.FontURL, Loaded: true}

		err := p.fonts.Load(ctx, enc.FontURL)
		if err != nil {
			font.Loaded = false
			report.FontFailures++
			p.logger.Warn("cloaking font failed to load", "font", font.Family, "url", enc.FontURL, "error", err)
		}
		p.observer.RecordFontLoad(err)
		fonts[enc] = font

		p.store.Put(font.Family, keystore.Entry{
			Key:       enc.Key,
			Mapping:   enc.Mapping,
			FontURL:   enc.FontURL,
			SpaceChar: enc.SpaceChar,
		})

		p.mu.Lock()
		if prev, ok := p.known[font.Family]; !ok || !prev.Loaded {
			p.known[font.Family] = font
		}
		p.mu.Unlock()
	}
	return fonts
}

// documentFonts returns the known fonts used by containers in doc.
func (p *Pipeline) documentFonts(doc *html.Node) []rewrite.Font {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []rewrite.Font
	for _, family := range rewrite.FontFamilies(doc) {
		if f, ok := p.known[family]; ok {
			out = append(out, f)
		}
	}
	return out
}
