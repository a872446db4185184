// Package backup keeps a bounded, rotating set of recovery snapshots in the
// persistence gateway.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/statesync/gateway"
	"github.com/hazyhaar/statesync/idgen"
	"github.com/hazyhaar/statesync/snapshot"
)

// IDPrefix starts every backup id. The rest of the id is a UTC timestamp so
// ids sort in creation order.
const IDPrefix = "bak_"

const (
	DefaultRetention       = 10
	DefaultChangeThreshold = 5
	DefaultMaxAge          = 30 * time.Minute
)

// Option configures a Manager.
type Option func(*Manager)

// WithRetention sets how many backups survive rotation. Default: 10.
func WithRetention(n int) Option { return func(m *Manager) { m.retention = n } }

// WithChangeThreshold sets the pending-change count that triggers a backup.
// Default: 5.
func WithChangeThreshold(n int) Option { return func(m *Manager) { m.threshold = n } }

// WithMaxAge sets how long after the last sync a backup becomes due.
// Default: 30m.
func WithMaxAge(d time.Duration) Option { return func(m *Manager) { m.maxAge = d } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// Manager creates, lists, rotates and restores backups.
type Manager struct {
	gw        gateway.Gateway
	retention int
	threshold int
	maxAge    time.Duration
	now       func() time.Time
	logger    *slog.Logger
	started   time.Time
	newID     idgen.Generator
}

// New returns a Manager writing through gw.
func New(gw gateway.Gateway, opts ...Option) *Manager {
	m := &Manager{
		gw:        gw,
		retention: DefaultRetention,
		threshold: DefaultChangeThreshold,
		maxAge:    DefaultMaxAge,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.started = m.now()
	m.newID = idgen.Timestamped(IDPrefix, m.now, idgen.Random(6))
	return m
}

// Retention returns the configured retention bound.
func (m *Manager) Retention() int { return m.retention }

// ShouldCreate reports whether a cycle with pending changes, following a
// sync at lastSyncAt, warrants a new backup. A zero lastSyncAt counts from
// manager start.
func (m *Manager) ShouldCreate(pending int, lastSyncAt time.Time) bool {
	if pending >= m.threshold {
		return true
	}
	since := lastSyncAt
	if since.IsZero() {
		since = m.started
	}
	return m.now().Sub(since) >= m.maxAge
}

// Create stores snap as a new backup and rotates. Rotation failures are
// logged and do not fail Create.
func (m *Manager) Create(ctx context.Context, snap *snapshot.Snapshot) (string, error) {
	rec, err := newRecord(m.newID(), m.now(), snap)
	if err != nil {
		return "", err
	}
	data, err := rec.encode()
	if err != nil {
		return "", err
	}
	if err := m.gw.StoreBackup(ctx, rec.ID, data); err != nil {
		return "", fmt.Errorf("backup: store %s: %w", rec.ID, err)
	}
	m.logger.Info("backup: created", "id", rec.ID, "size_bytes", rec.SizeBytes, "entities", snap.Count())

	if deleted, err := m.Rotate(ctx); err != nil {
		m.logger.Warn("backup: rotation failed", "error", err)
	} else if deleted > 0 {
		m.logger.Debug("backup: rotated", "deleted", deleted)
	}
	return rec.ID, nil
}

// List returns the readable backups, newest first. Records that cannot be
// loaded or decoded are skipped.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	ids, err := m.gw.ListBackupIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		data, err := m.gw.LoadBackup(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("backup: list: %w", ctx.Err())
			}
			m.logger.Warn("backup: skipping unreadable record", "id", id, "error", err)
			continue
		}
		if data == nil {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			m.logger.Warn("backup: skipping malformed record", "id", id, "error", err)
			continue
		}
		info := rec.Info()
		info.ID = id
		out = append(out, info)
	}
	slices.SortStableFunc(out, func(a, b Info) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareDesc(a.ID, b.ID)
	})
	return out, nil
}

// Rotate deletes the oldest backups beyond the retention bound and returns
// how many were deleted. It keeps going past individual delete failures and
// returns the first one.
func (m *Manager) Rotate(ctx context.Context) (int, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(infos) <= m.retention {
		return 0, nil
	}
	var firstErr error
	deleted := 0
	for _, info := range infos[m.retention:] {
		if err := m.gw.DeleteBackup(ctx, info.ID); err != nil {
			m.logger.Warn("backup: delete failed", "id", info.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("backup: delete %s: %w", info.ID, err)
			}
			continue
		}
		deleted++
	}
	return deleted, firstErr
}

// Load returns the verified snapshot stored under id.
func (m *Manager) Load(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	data, err := m.gw.LoadBackup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("backup: load %s: %w", id, err)
	}
	if data == nil {
		return nil, &NotFoundError{ID: id}
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("backup: %s: %w", id, err)
	}
	return rec.Snapshot()
}

// Restore replaces the durable copy with backup id and returns the durable
// snapshot as re-loaded from the gateway.
func (m *Manager) Restore(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	snap, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.gw.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("backup: restore %s: %w", id, err)
	}
	restored, err := m.gw.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: reload after restore %s: %w", id, err)
	}
	m.logger.Info("backup: restored", "id", id, "entities", restored.Count())
	return restored, nil
}

func compareDesc(a, b string) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
