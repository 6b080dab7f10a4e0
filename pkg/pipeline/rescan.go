package pipeline

import (
	"context"
	"time"
)

// DefaultDebounce is the quiet period before a rescan runs.
const DefaultDebounce = 100 * time.Millisecond

// Rescanner coalesces change notifications into debounced runs. Each
// notification restarts the quiet period; one run follows the last of a
// burst.
type Rescanner struct {
	debounce time.Duration
	signal   chan struct{}
	run      func(ctx context.Context)
}

// NewRescanner calls run after every burst of notifications.
func NewRescanner(debounce time.Duration, run func(ctx context.Context)) *Rescanner {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Rescanner{
		debounce: debounce,
		signal:   make(chan struct{}, 1),
		run:      run,
	}
}

// Notify records a change. It never blocks.
func (r *Rescanner) Notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run waits for notifications until ctx is done. A pending rescan is
// dropped on shutdown.
func (r *Rescanner) Run(ctx context.Context) {
	timer := time.NewTimer(r.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.signal:
			timer.Reset(r.debounce)
		case <-timer.C:
			r.run(ctx)
		}
	}
}
