package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/polisai/glyphcloak/pkg/dom"
)

// Document is a live page that is cloaked once and rescanned after every
// burst of mutations. Already rewritten text is never extracted again, so a
// rescan only touches new text.
type Document struct {
	pipeline *Pipeline
	rescan   *Rescanner

	mu   sync.Mutex
	root *html.Node
	last Report
	err  error
}

// NewDocument wraps root. Call Watch to start rescanning.
func NewDocument(p *Pipeline, root *html.Node, debounce time.Duration) *Document {
	d := &Document{pipeline: p, root: root}
	d.rescan = NewRescanner(debounce, func(ctx context.Context) {
		d.runLocked(ctx, TriggerRescan)
	})
	return d
}

// Cloak runs the initial pass.
func (d *Document) Cloak(ctx context.Context) (Report, error) {
	return d.runLocked(ctx, TriggerInitial)
}

// Watch rescans after mutations until ctx is done.
func (d *Document) Watch(ctx context.Context) {
	d.rescan.Run(ctx)
}

// Mutate applies fn to the tree and schedules a rescan.
func (d *Document) Mutate(fn func(root *html.Node)) {
	d.mu.Lock()
	fn(d.root)
	d.mu.Unlock()
	d.rescan.Notify()
}

// View calls fn with the tree held still.
func (d *Document) View(fn func(root *html.Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.root)
}

// Render serialises the current tree.
func (d *Document) Render() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dom.Render(d.root)
}

// LastReport returns the report and error of the latest run.
func (d *Document) LastReport() (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.err
}

func (d *Document) runLocked(ctx context.Context, trigger string) (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	report, err := d.pipeline.RunWith(ctx, d.root, RunOptions{Trigger: trigger})
	d.last, d.err = report, err
	return report, err
}
