// Package progress renders event-bus progress and lifecycle events to the
// terminal. A download batch, an install pipeline, and a verification
// pass can all be progressing at once, so Renderer keeps one
// schollz/progressbar/v3 bar per concurrent eventbus.Progress.ID instead
// of one bar total, multiplexed off a single bus subscription.
package progress

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/sps2/sps2/internal/eventbus"
)

const updateInterval = 50 * time.Millisecond

// Renderer multiplexes bus events onto stderr. The zero value is not
// usable; construct with New.
type Renderer struct {
	enabled bool

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

// New returns a Renderer. If enabled is false, Attach still drains the
// bus (a subscriber must always be drained) but renders nothing.
func New(enabled bool) *Renderer {
	return &Renderer{enabled: enabled, bars: make(map[string]*progressbar.ProgressBar)}
}

// Attach subscribes to bus and renders until unsubscribe is called or the
// bus closes.
func (r *Renderer) Attach(bus *eventbus.Bus) (unsubscribe func()) {
	ch, unsub := bus.Subscribe()
	go func() {
		for ev := range ch {
			if r.enabled {
				r.handle(ev)
			}
		}
	}()
	return unsub
}

func (r *Renderer) handle(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.Progress:
		r.handleProgress(d)
	case eventbus.Lifecycle:
		r.handleLifecycle(d)
	}
}

func (r *Renderer) handleProgress(p eventbus.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bar, ok := r.bars[p.ID]
	if !ok {
		bar = newBar(p)
		r.bars[p.ID] = bar
	}
	_ = bar.Set64(p.Current)

	if p.Total > 0 && p.Current >= p.Total {
		_ = bar.Finish()
		delete(r.bars, p.ID)
	}
}

func newBar(p eventbus.Progress) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription(p.ID),
	}
	if p.Total <= 0 {
		opts = append(opts, progressbar.OptionSpinnerType(14), progressbar.OptionSetElapsedTime(false))
		return progressbar.NewOptions64(-1, opts...)
	}
	opts = append(opts, progressbar.OptionSetWidth(40))
	return progressbar.NewOptions64(p.Total, opts...)
}

func (r *Renderer) handleLifecycle(l eventbus.Lifecycle) {
	if l.Err != nil {
		fmt.Fprintf(os.Stderr, "✘ %s: %s: %v\n", l.Operation, l.Stage, l.Err)
		return
	}
	if l.Done {
		fmt.Fprintf(os.Stderr, "✔ %s complete\n", l.Operation)
	}
}

// Close finishes every bar still open — e.g. a ParentID's batch ended
// early and one child download's Progress never reached Total.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, bar := range r.bars {
		_ = bar.Finish()
		delete(r.bars, id)
	}
}
