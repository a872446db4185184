// Package watch polls a revision token and runs an action when it moves.
// The daemon points it at the durable store's external revision so writes
// made by other processes are reconciled without waiting for the next
// timer tick.
//
//	w := watch.New(st.ExternalRevision, watch.Options{Interval: time.Second, Debounce: 250 * time.Millisecond})
//	go w.Run(ctx, func(ctx context.Context, rev int64) error { eng.Trigger(); return nil })
package watch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Source reads the current revision token. Two different values mean
// something changed.
type Source func(ctx context.Context) (int64, error)

// Action reacts to a new revision. Returning an error leaves the revision
// unacknowledged so the next poll retries.
type Action func(ctx context.Context, revision int64) error

// Options tunes the watcher.
type Options struct {
	// Interval is the polling period. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action runs.
	// Further changes inside the window restart it. 0 fires immediately.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a Source. Run it once; Stats and Revision are safe to call
// concurrently.
type Watcher struct {
	source Source
	opts   Options

	revision atomic.Int64

	mu      sync.Mutex
	waiters []chan struct{}

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fires   atomic.Int64
	fireNs  atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Fires           int64         `json:"fires"`
	AvgFireTime     time.Duration `json:"avg_fire_time"`
}

// New returns a Watcher over source.
func New(source Source, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{source: source, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Fires:           w.fires.Load(),
	}
	if s.Fires > 0 {
		s.AvgFireTime = time.Duration(w.fireNs.Load() / s.Fires)
	}
	return s
}

// Revision returns the last acknowledged revision.
func (w *Watcher) Revision() int64 { return w.revision.Load() }

// Run polls until ctx is cancelled. The revision seen at start is the
// baseline and does not fire.
func (w *Watcher) Run(ctx context.Context, action Action) {
	log := w.opts.Logger

	if rev, err := w.source(ctx); err != nil {
		log.Warn("watch: initial revision check failed", "error", err)
	} else {
		w.ack(rev)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending := int64(-1)

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Info("watch: stopped")
			return

		case <-ticker.C:
			w.checks.Add(1)
			rev, err := w.source(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: revision check failed", "error", err)
				continue
			}
			if rev == w.revision.Load() || rev == pending {
				continue
			}
			w.changes.Add(1)
			pending = rev
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C
			log.Debug("watch: change detected, debouncing", "revision", rev)

		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

// WaitFor blocks until a revision >= target has been acknowledged or ctx
// ends.
func (w *Watcher) WaitFor(ctx context.Context, target int64) error {
	for {
		w.mu.Lock()
		if w.revision.Load() >= target {
			w.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		w.waiters = append(w.waiters, ch)
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fire runs action and acknowledges rev if it succeeds.
func (w *Watcher) fire(ctx context.Context, action Action, rev int64) {
	log := w.opts.Logger
	start := time.Now()
	if err := action(ctx, rev); err != nil {
		w.errors.Add(1)
		log.Error("watch: action failed", "error", err, "revision", rev)
		return
	}
	elapsed := time.Since(start)
	w.fires.Add(1)
	w.fireNs.Add(int64(elapsed))
	w.ack(rev)
	log.Debug("watch: action complete", "revision", rev, "duration", elapsed)
}

func (w *Watcher) ack(rev int64) {
	w.mu.Lock()
	w.revision.Store(rev)
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
