package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/statesync/backup"
	"github.com/hazyhaar/statesync/reconcile"
	"github.com/hazyhaar/statesync/snapshot"
)

// CreateBackup stores snap as a recovery snapshot. A nil snap backs up the
// durable copy.
func (e *Engine) CreateBackup(ctx context.Context, snap *snapshot.Snapshot) (string, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if snap == nil {
		durable, err := e.gw.Load(ctx)
		if err != nil {
			return "", fmt.Errorf("engine: backup: %w", err)
		}
		if durable == nil {
			return "", errors.New("engine: backup: nothing stored yet")
		}
		snap = durable
	}
	id, err := e.backups.Create(ctx, snap)
	if err != nil {
		e.metrics.backups.WithLabelValues(outcomeFailure).Inc()
		return "", err
	}
	e.metrics.backups.WithLabelValues(outcomeSuccess).Inc()
	return id, nil
}

// RestoreFromBackup makes backup id the durable copy and returns it. The
// conflict queue and pending markers are cleared: the restored state is the
// new baseline. It waits for a running cycle instead of failing.
func (e *Engine) RestoreFromBackup(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	restored, err := e.backups.Restore(ctx, id)
	if err != nil {
		return nil, err
	}
	e.queue.Clear()
	e.mu.Lock()
	clear(e.pending)
	e.lastSyncAt = e.now()
	e.mu.Unlock()
	e.metrics.pending.Set(0)

	e.logger.Info("engine: restored from backup", "backup_id", id, "entities", restored.Count())
	e.saved("restore", restored)
	return restored, nil
}

// AvailableBackups lists backups newest first.
func (e *Engine) AvailableBackups(ctx context.Context) ([]backup.Info, error) {
	return e.backups.List(ctx)
}

// CleanupOldBackups deletes backups beyond the retention bound.
func (e *Engine) CleanupOldBackups(ctx context.Context) (int, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.backups.Rotate(ctx)
}

// PendingConflicts returns the conflicts awaiting a manual decision.
func (e *Engine) PendingConflicts() []reconcile.Conflict {
	return e.queue.List()
}

// ResolvePendingConflicts applies manual resolutions to current and saves
// the result as the durable copy. A nil current resolves against the durable
// copy. Resolutions naming unknown conflicts are ignored and listed in the
// report. When nothing applies, nothing is saved.
func (e *Engine) ResolvePendingConflicts(ctx context.Context, resolutions []reconcile.Resolution, current *snapshot.Snapshot) (*snapshot.Snapshot, reconcile.Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if current == nil {
		durable, err := e.gw.Load(ctx)
		if err != nil {
			return nil, reconcile.Report{}, fmt.Errorf("engine: resolve: %w", err)
		}
		current = durable
	}

	out, report, err := e.queue.Apply(current, resolutions, e.now())
	if err != nil {
		return nil, report, err
	}
	for _, id := range report.Unmatched {
		e.logger.Debug("engine: resolution for unknown conflict ignored", "conflict_id", id)
	}
	if len(report.Applied) == 0 {
		return out, report, nil
	}

	if err := e.gw.Save(ctx, out); err != nil {
		for _, a := range report.Applied {
			e.queue.Add(a.Conflict)
		}
		return nil, reconcile.Report{Unmatched: report.Unmatched}, fmt.Errorf("engine: resolve: %w", err)
	}
	if e.recorder != nil {
		e.recorder.RecordResolutions(ctx, report.Applied)
	}
	e.logger.Info("engine: conflicts resolved", "applied", len(report.Applied), "remaining", e.queue.Len())
	e.saved("resolve", out)
	return out, report, nil
}

// ResolutionRequest is the wire form of a manual resolution. CustomData is
// decoded against the kind of the conflict it names.
type ResolutionRequest struct {
	ConflictID string           `json:"conflictId"`
	Source     reconcile.Source `json:"chosenSource"`
	CustomData json.RawMessage  `json:"customData,omitempty"`
}

// DecodeResolutions turns wire resolutions into reconcile resolutions.
// Custom data for a conflict that is not queued is dropped; the resolution
// is then reported as unmatched by ResolvePendingConflicts.
func (e *Engine) DecodeResolutions(reqs []ResolutionRequest) ([]reconcile.Resolution, error) {
	kinds := make(map[string]snapshot.Kind)
	for _, c := range e.queue.List() {
		kinds[c.ID] = c.Kind
	}
	out := make([]reconcile.Resolution, 0, len(reqs))
	for _, r := range reqs {
		res := reconcile.Resolution{ConflictID: r.ConflictID, Source: r.Source}
		if r.Source == reconcile.SourceCustom && len(r.CustomData) > 0 {
			if kind, ok := kinds[r.ConflictID]; ok {
				ent, err := snapshot.DecodeEntity(kind, r.CustomData)
				if err != nil {
					return nil, fmt.Errorf("engine: conflict %s: %w", r.ConflictID, err)
				}
				res.Custom = ent
			}
		}
		out = append(out, res)
	}
	return out, nil
}
