// Package audit keeps a SQLite trail of reconciliation decisions: detected
// conflicts and who won them, one-sided entities, manual resolutions, and
// control-surface calls. Writing the trail never blocks or fails the caller.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/statesync/idgen"
	"github.com/hazyhaar/statesync/kit"
	"github.com/hazyhaar/statesync/reconcile"
)

// Schema is the DDL of the audit table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    action        TEXT NOT NULL,
    entity_kind   TEXT NOT NULL DEFAULT '',
    entity_id     TEXT NOT NULL DEFAULT '',
    conflict_id   TEXT NOT NULL DEFAULT '',
    fields        TEXT NOT NULL DEFAULT '',
    strategy      TEXT NOT NULL DEFAULT '',
    winner        TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    transport     TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT '',
    remote_addr   TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_kind, entity_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp DESC);
`

// Actions recorded by the engine.
const (
	ActionConflict   = "conflict_detected"
	ActionOrphan     = "orphan_detected"
	ActionResolution = "conflict_resolved"
)

// Entry is one audit row. Log fills EntryID, Timestamp and Status when empty.
type Entry struct {
	EntryID    string
	Timestamp  int64 // unix millis
	Action     string
	EntityKind string
	EntityID   string
	ConflictID string
	Fields     string
	Strategy   string
	Winner     string
	Parameters string
	Status     string
	Error      string
	Transport  string
	RequestID  string
	RemoteAddr string
	DurationMs int64
}

const (
	batchSize     = 32
	flushInterval = 500 * time.Millisecond
)

// SQLiteLogger writes entries to the audit_log table.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	ch     chan *Entry
	wg     sync.WaitGroup
	closed sync.Once
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the entry id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(l *SQLiteLogger) { l.now = fn }
}

// WithLogger sets the logger used to report write failures.
func WithLogger(lg *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = lg }
}

// NewSQLiteLogger starts the background writer. Call Init before logging
// unless the schema is already applied, and Close to flush.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.UUIDv7()),
		now:    time.Now,
		logger: slog.Default(),
		ch:     make(chan *Entry, 256),
	}
	for _, o := range opts {
		o(l)
	}
	l.wg.Add(1)
	go l.loop()
	return l
}

// Init applies Schema.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Close flushes buffered entries and stops the writer.
func (l *SQLiteLogger) Close() error {
	l.closed.Do(func() { close(l.ch) })
	l.wg.Wait()
	return nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp <= 0 {
		e.Timestamp = l.now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
}

// Log writes e synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	if err := insert(ctx, l.db, e); err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	return nil
}

// LogAsync queues e for the background writer. When the buffer is full the
// entry is dropped and a warning logged.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	defer func() {
		// Send on a closed channel after Close.
		if recover() != nil {
			l.logger.Warn("audit: entry after close dropped", "action", e.Action)
		}
	}()
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: buffer full, entry dropped", "action", e.Action, "entity_id", e.EntityID)
	}
}

func (l *SQLiteLogger) loop() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(batch); err != nil {
			l.logger.Error("audit: batch write failed", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}
	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *SQLiteLogger) writeBatch(entries []*Entry) error {
	ctx := context.Background()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := insert(ctx, tx, e); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, e *Entry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (
			entry_id, timestamp, action, entity_kind, entity_id, conflict_id,
			fields, strategy, winner, parameters, status, error_message,
			transport, request_id, remote_addr, duration_ms
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp, e.Action, e.EntityKind, e.EntityID, e.ConflictID,
		e.Fields, e.Strategy, e.Winner, e.Parameters, e.Status, e.Error,
		e.Transport, e.RequestID, e.RemoteAddr, e.DurationMs)
	return err
}

// RecordConflicts logs each detected conflict with the side the strategy
// kept.
func (l *SQLiteLogger) RecordConflicts(_ context.Context, strategy reconcile.Strategy, conflicts []reconcile.Conflict) {
	r := reconcile.NewResolver(strategy)
	for _, c := range conflicts {
		l.LogAsync(&Entry{
			Action:     ActionConflict,
			EntityKind: string(c.Kind),
			EntityID:   c.EntityID,
			ConflictID: c.ID,
			Fields:     strings.Join(c.Fields, ","),
			Strategy:   string(r.Strategy),
			Winner:     string(r.Winner(c)),
			Timestamp:  c.DetectedAt.UnixMilli(),
		})
	}
}

// RecordOrphans logs entities present on one side only.
func (l *SQLiteLogger) RecordOrphans(_ context.Context, orphans []reconcile.Orphan) {
	for _, o := range orphans {
		l.LogAsync(&Entry{
			Action:     ActionOrphan,
			EntityKind: string(o.Kind),
			EntityID:   o.EntityID,
			Winner:     string(reconcile.SideCurrent),
			Parameters: mustJSON(map[string]string{"missing_on": string(o.MissingOn)}),
		})
	}
}

// RecordResolutions logs manually applied resolutions.
func (l *SQLiteLogger) RecordResolutions(ctx context.Context, applied []reconcile.Applied) {
	for _, a := range applied {
		l.LogAsync(&Entry{
			Action:     ActionResolution,
			EntityKind: string(a.Conflict.Kind),
			EntityID:   a.Conflict.EntityID,
			ConflictID: a.Conflict.ID,
			Fields:     strings.Join(a.Conflict.Fields, ","),
			Winner:     string(a.Source),
			Transport:  kit.GetTransport(ctx),
			RequestID:  kit.GetRequestID(ctx),
			RemoteAddr: kit.GetRemoteAddr(ctx),
		})
	}
}

// Query returns the most recent entries for an entity, newest first.
func (l *SQLiteLogger) Query(ctx context.Context, kind, id string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, timestamp, action, entity_kind, entity_id, conflict_id,
		       fields, strategy, winner, parameters, status, error_message,
		       transport, request_id, remote_addr, duration_ms
		FROM audit_log WHERE entity_kind = ? AND entity_id = ?
		ORDER BY timestamp DESC, entry_id DESC LIMIT ?`, kind, id, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.EntityKind, &e.EntityID, &e.ConflictID,
			&e.Fields, &e.Strategy, &e.Winner, &e.Parameters, &e.Status, &e.Error,
			&e.Transport, &e.RequestID, &e.RemoteAddr, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
