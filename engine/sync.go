package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/hazyhaar/statesync/reconcile"
	"github.com/hazyhaar/statesync/snapshot"
)

// StartAutoSync runs a cycle now and then every interval until StopAutoSync,
// Shutdown or ctx ends. Calling it again replaces the previous schedule; the
// new schedule's first cycle runs once the previous loop has exited, so a
// cycle still in flight is not raced. Ticks that find the observer offline
// are skipped.
func (e *Engine) StartAutoSync(ctx context.Context, source Source, onConflict ConflictHandler) {
	loopCtx, cancel := context.WithCancel(ctx)
	a := &autoSync{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	prev := e.auto
	e.auto = a
	e.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	e.logger.Info("engine: auto-sync started", "interval", e.interval)
	go e.loop(loopCtx, a, prev, source, onConflict)
}

// StopAutoSync cancels future ticks. A cycle already running completes.
func (e *Engine) StopAutoSync() {
	e.mu.Lock()
	a := e.auto
	e.auto = nil
	e.mu.Unlock()
	if a != nil {
		a.cancel()
		e.logger.Info("engine: auto-sync stopped")
	}
}

// Trigger asks the auto-sync loop for an immediate cycle. It never blocks
// and is a no-op when auto-sync is not running.
func (e *Engine) Trigger() {
	e.mu.Lock()
	running := e.auto != nil
	e.mu.Unlock()
	if !running {
		return
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, a, prev *autoSync, source Source, onConflict ConflictHandler) {
	defer close(a.done)
	defer func() {
		e.mu.Lock()
		if e.auto == a {
			e.auto = nil
		}
		e.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	e.tick(ctx, source, onConflict, "start")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.online() {
				e.metrics.cycles.WithLabelValues(outcomeOffline).Inc()
				e.logger.Debug("engine: offline, tick skipped")
				continue
			}
			e.tick(ctx, source, onConflict, "timer")
		case <-e.trigger:
			e.tick(ctx, source, onConflict, "trigger")
		}
	}
}

func (e *Engine) tick(ctx context.Context, source Source, onConflict ConflictHandler, reason string) {
	if ctx.Err() != nil {
		return
	}
	// The cycle instant precedes the read so that an edit landing during the
	// read is newer than the next lastSyncAt.
	start := e.now()
	current, err := source(ctx)
	if err != nil {
		e.logger.Warn("engine: working snapshot unavailable", "reason", reason, "error", err)
		return
	}
	// Cancelling auto-sync must not abort a cycle that already started.
	res := e.performSync(context.WithoutCancel(ctx), start, current, onConflict)
	if !res.Success {
		e.logger.Warn("engine: cycle failed", "reason", reason, "message", res.Message)
	}
}

// PerformSync runs one reconciliation cycle against current. If another
// cycle is running it returns immediately with Success false and
// ErrSyncInProgress as the message.
func (e *Engine) PerformSync(ctx context.Context, current *snapshot.Snapshot, onConflict ConflictHandler) Result {
	return e.performSync(ctx, e.now(), current, onConflict)
}

// performSync runs a cycle stamped with start, the instant current was read.
func (e *Engine) performSync(ctx context.Context, start time.Time, current *snapshot.Snapshot, onConflict ConflictHandler) Result {
	if !e.cycleMu.TryLock() {
		e.metrics.cycles.WithLabelValues(outcomeRejected).Inc()
		return Result{Success: false, Message: ErrSyncInProgress.Error()}
	}
	defer e.cycleMu.Unlock()
	e.inFlight.Store(true)
	defer e.inFlight.Store(false)

	began := time.Now()
	res := e.cycle(ctx, start, current, onConflict)
	e.metrics.duration.Observe(time.Since(began).Seconds())

	switch {
	case res.Skipped:
		e.metrics.cycles.WithLabelValues(outcomeSkipped).Inc()
	case res.Success:
		e.metrics.cycles.WithLabelValues(outcomeSuccess).Inc()
	default:
		e.metrics.cycles.WithLabelValues(outcomeFailure).Inc()
	}
	return res
}

func (e *Engine) cycle(ctx context.Context, start time.Time, current *snapshot.Snapshot, onConflict ConflictHandler) Result {
	if current == nil {
		current = &snapshot.Snapshot{}
	}

	e.mu.Lock()
	captured := maps.Clone(e.pending)
	lastSyncAt := e.lastSyncAt
	e.mu.Unlock()

	if len(captured) == 0 && !current.ModifiedSince(lastSyncAt) {
		return Result{Success: true, Skipped: true, Message: "no changes"}
	}

	persisted, err := e.gw.Load(ctx)
	if err != nil {
		return e.failed("load", err)
	}

	conflicts := e.detector.Detect(current, persisted)
	if persisted != nil {
		if orphans := reconcile.Orphans(current, persisted); len(orphans) > 0 {
			for _, o := range orphans {
				e.logger.Info("engine: entity present on one side only",
					"kind", o.Kind, "entity_id", o.EntityID, "missing_on", o.MissingOn)
			}
			if e.recorder != nil {
				e.recorder.RecordOrphans(ctx, orphans)
			}
		}
	}

	toSave := current
	if len(conflicts) > 0 {
		e.queue.Add(conflicts...)
		for _, c := range conflicts {
			e.metrics.conflicts.WithLabelValues(string(c.Kind)).Inc()
		}
		e.logger.Info("engine: conflicts detected", "count", len(conflicts), "strategy", e.strategy)
		if e.recorder != nil {
			e.recorder.RecordConflicts(ctx, e.strategy, conflicts)
		}
		if onConflict != nil {
			onConflict(conflicts)
		}
		if toSave, err = e.resolver.Resolve(current, conflicts); err != nil {
			return e.failed("resolve", err)
		}
	}

	if err := e.gw.Save(ctx, toSave); err != nil {
		return e.failed("save", err)
	}

	e.mu.Lock()
	for m := range captured {
		delete(e.pending, m)
	}
	remaining := len(e.pending)
	e.lastSyncAt = start
	e.mu.Unlock()
	e.metrics.pending.Set(float64(remaining))
	e.metrics.lastSync.Set(float64(start.Unix()))

	res := Result{
		Success:   true,
		Conflicts: conflicts,
		Message:   fmt.Sprintf("synced %d entities, %d conflicts", toSave.Count(), len(conflicts)),
		Snapshot:  toSave,
	}
	if e.backups.ShouldCreate(len(captured), lastSyncAt) {
		id, err := e.backups.Create(ctx, toSave)
		if err != nil {
			e.metrics.backups.WithLabelValues(outcomeFailure).Inc()
			e.logger.Warn("engine: backup after sync failed", "error", err)
		} else {
			e.metrics.backups.WithLabelValues(outcomeSuccess).Inc()
			res.BackupID = id
		}
	}

	e.logger.Debug("engine: cycle done", "pending_cleared", len(captured), "conflicts", len(conflicts))
	e.saved("sync", toSave)
	return res
}

func (e *Engine) failed(stage string, err error) Result {
	e.logger.Error("engine: cycle failed", "stage", stage, "error", err)
	return Result{Success: false, Message: fmt.Sprintf("%s failed: %v", stage, err)}
}
