// Package engine keeps a working snapshot and the durable store consistent.
// It runs reconciliation cycles on a timer or on demand, one at a time,
// tracks which entities changed since the last successful cycle, and exposes
// the backup and manual-resolution controls.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/statesync/backup"
	"github.com/hazyhaar/statesync/connectivity"
	"github.com/hazyhaar/statesync/gateway"
	"github.com/hazyhaar/statesync/reconcile"
	"github.com/hazyhaar/statesync/snapshot"
)

// DefaultInterval is the auto-sync period.
const DefaultInterval = 5 * time.Second

// ErrSyncInProgress is reported when a cycle is requested while another one
// is running. The request is rejected, not queued.
var ErrSyncInProgress = errors.New("sync in progress")

// Source hands the engine the current working snapshot.
type Source func(ctx context.Context) (*snapshot.Snapshot, error)

// ConflictHandler receives the conflicts detected by a cycle.
type ConflictHandler func(conflicts []reconcile.Conflict)

// Recorder receives reconciliation decisions for auditing. Implementations
// must not block.
type Recorder interface {
	RecordConflicts(ctx context.Context, strategy reconcile.Strategy, conflicts []reconcile.Conflict)
	RecordOrphans(ctx context.Context, orphans []reconcile.Orphan)
	RecordResolutions(ctx context.Context, applied []reconcile.Applied)
}

// Marker names a changed entity. An empty EntityID marks the whole kind.
type Marker struct {
	Kind     snapshot.Kind `json:"kind"`
	EntityID string        `json:"entityId,omitempty"`
}

// durableMarker is set when the durable store changed underneath the engine.
var durableMarker = Marker{Kind: "durable"}

// Result is the outcome of one cycle.
type Result struct {
	Success   bool                 `json:"success"`
	Conflicts []reconcile.Conflict `json:"conflicts"`
	Message   string               `json:"message"`
	Skipped   bool                 `json:"skipped,omitempty"`
	BackupID  string               `json:"backupId,omitempty"`
	// Snapshot is what the cycle saved. Nil unless a save happened.
	Snapshot *snapshot.Snapshot `json:"-"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Online                 bool      `json:"online"`
	LastSyncAt             time.Time `json:"lastSyncAt"`
	PendingCount           int       `json:"pendingCount"`
	HasUnresolvedConflicts bool      `json:"hasUnresolvedConflicts"`
	AutoSyncEnabled        bool      `json:"autoSyncEnabled"`
	InFlight               bool      `json:"inFlight"`
}

// Saved describes a write of the durable copy made by the engine.
type Saved struct {
	Reason   string // "sync", "restore" or "resolve"
	Snapshot *snapshot.Snapshot
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy sets the automatic resolution strategy. Default: last-write-wins.
func WithStrategy(s reconcile.Strategy) Option { return func(e *Engine) { e.strategy = s } }

// WithTolerance sets the timestamp tolerance of conflict detection. Default: 1s.
func WithTolerance(d time.Duration) Option { return func(e *Engine) { e.tolerance = d } }

// WithInterval sets the auto-sync period. Default: 5s.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithBackupManager replaces the default backup manager.
func WithBackupManager(m *backup.Manager) Option { return func(e *Engine) { e.backups = m } }

// WithRecorder attaches an audit recorder.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithObserver attaches a connectivity observer. Timer ticks are skipped
// while it reports offline; coming back online, or becoming visible while
// online, triggers a cycle.
func WithObserver(o *connectivity.Observer) Option { return func(e *Engine) { e.observer = o } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRegisterer registers the engine's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(e *Engine) { e.registerer = reg } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.now = fn } }

// WithSavedHook calls fn after every durable write the engine makes.
func WithSavedHook(fn func(Saved)) Option { return func(e *Engine) { e.onSaved = fn } }

// Engine is the sync scheduler. Create it with New and stop it with Shutdown.
type Engine struct {
	gw         gateway.Gateway
	strategy   reconcile.Strategy
	tolerance  time.Duration
	interval   time.Duration
	detector   *reconcile.Detector
	resolver   *reconcile.Resolver
	queue      *reconcile.Queue
	backups    *backup.Manager
	recorder   Recorder
	observer   *connectivity.Observer
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics
	now        func() time.Time
	onSaved    func(Saved)

	// cycleMu serialises everything that writes the durable copy or the
	// backup set. Cycles TryLock it; restore and resolution wait.
	cycleMu  sync.Mutex
	inFlight atomic.Bool

	mu         sync.Mutex
	pending    map[Marker]struct{}
	lastSyncAt time.Time
	auto       *autoSync

	trigger chan struct{}
}

type autoSync struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an Engine over gw.
func New(gw gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		gw:        gw,
		strategy:  reconcile.DefaultStrategy,
		tolerance: reconcile.DefaultTolerance,
		interval:  DefaultInterval,
		queue:     reconcile.NewQueue(),
		logger:    slog.Default(),
		now:       time.Now,
		pending:   make(map[Marker]struct{}),
		trigger:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	e.detector = reconcile.NewDetector(reconcile.WithTolerance(e.tolerance), reconcile.WithDetectorClock(e.now))
	e.resolver = reconcile.NewResolver(e.strategy)
	if e.backups == nil {
		e.backups = backup.New(gw, backup.WithClock(e.now), backup.WithLogger(e.logger))
	}
	e.metrics = newMetrics(e.registerer)

	if e.observer != nil {
		obs := e.observer
		obs.OnChange(func(online bool) {
			if online {
				e.logger.Info("engine: back online, syncing")
				e.Trigger()
			}
		})
		obs.OnVisible(func() {
			if obs.Online() {
				e.Trigger()
			}
		})
	}
	return e
}

// Strategy returns the automatic resolution strategy.
func (e *Engine) Strategy() reconcile.Strategy { return e.strategy }

// Backups returns the backup manager.
func (e *Engine) Backups() *backup.Manager { return e.backups }

func (e *Engine) online() bool {
	return e.observer == nil || e.observer.Online()
}

// MarkChanged records that an entity, or a whole kind when id is empty,
// changed since the last successful cycle. Marking twice is a no-op.
func (e *Engine) MarkChanged(kind snapshot.Kind, id string) {
	e.mu.Lock()
	e.pending[Marker{Kind: kind, EntityID: id}] = struct{}{}
	n := len(e.pending)
	e.mu.Unlock()
	e.metrics.pending.Set(float64(n))
}

// NoteDurableChange records that the durable copy was written by someone
// else and asks for a cycle.
func (e *Engine) NoteDurableChange() {
	e.mu.Lock()
	e.pending[durableMarker] = struct{}{}
	n := len(e.pending)
	e.mu.Unlock()
	e.metrics.pending.Set(float64(n))
	e.Trigger()
}

// Pending returns the current change markers.
func (e *Engine) Pending() []Marker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Marker, 0, len(e.pending))
	for m := range e.pending {
		out = append(out, m)
	}
	return out
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Online:                 e.online(),
		LastSyncAt:             e.lastSyncAt,
		PendingCount:           len(e.pending),
		HasUnresolvedConflicts: e.queue.Len() > 0,
		AutoSyncEnabled:        e.auto != nil,
		InFlight:               e.inFlight.Load(),
	}
}

// Shutdown stops auto-sync and waits for the running cycle, if any, to
// finish or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	a := e.auto
	e.auto = nil
	e.mu.Unlock()
	if a != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	idle := make(chan struct{})
	go func() {
		e.cycleMu.Lock()
		e.cycleMu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) saved(reason string, snap *snapshot.Snapshot) {
	if e.onSaved != nil && snap != nil {
		e.onSaved(Saved{Reason: reason, Snapshot: snap})
	}
}
