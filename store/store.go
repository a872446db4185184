// Package store is the SQLite implementation of the persistence gateway.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/statesync/dbopen"
	"github.com/hazyhaar/statesync/idgen"
	"github.com/hazyhaar/statesync/snapshot"
)

// Store keeps the durable snapshot and backup blobs in SQLite.
type Store struct {
	DB *sql.DB

	writer       string
	lastExternal atomic.Int64
	now          func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps a database that already carries Schema.
func New(db *sql.DB) *Store {
	return &Store{
		DB:     db,
		writer: idgen.Prefixed("w_", idgen.Random(12))(),
		now:    time.Now,
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Writer returns the id this handle stamps on its saves.
func (s *Store) Writer() string { return s.writer }

// Load returns the durable snapshot, or nil if none was ever saved.
func (s *Store) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM durable_snapshot WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	return snapshot.Unmarshal(payload)
}

// Save replaces the durable snapshot and bumps its revision.
func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	payload, err := snapshot.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO durable_snapshot (id, payload, revision, writer, saved_at)
			VALUES (1, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				payload  = excluded.payload,
				revision = durable_snapshot.revision + 1,
				writer   = excluded.writer,
				saved_at = excluded.saved_at`,
			payload, s.writer, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("store: save: %w", err)
		}
		return nil
	})
}

// Revision returns the current revision and writer of the durable row.
// An empty store reports revision 0.
func (s *Store) Revision(ctx context.Context) (int64, string, error) {
	var rev int64
	var writer string
	err := s.DB.QueryRowContext(ctx, `SELECT revision, writer FROM durable_snapshot WHERE id = 1`).Scan(&rev, &writer)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("store: revision: %w", err)
	}
	return rev, writer, nil
}

// ExternalRevision returns the latest revision written by another handle
// (another process, a background job). Writes made through s do not move
// it, so polling it detects foreign activity only.
func (s *Store) ExternalRevision(ctx context.Context) (int64, error) {
	rev, writer, err := s.Revision(ctx)
	if err != nil {
		return 0, err
	}
	if writer != "" && writer != s.writer {
		s.lastExternal.Store(rev)
	}
	return s.lastExternal.Load(), nil
}

// StoreBackup writes a backup blob under id, replacing any previous blob.
func (s *Store) StoreBackup(ctx context.Context, id string, data []byte) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO backups (id, data, size_bytes, stored_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, size_bytes = excluded.size_bytes, stored_at = excluded.stored_at`,
		id, data, len(data), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: store backup %s: %w", id, err)
	}
	return nil
}

// LoadBackup returns the blob stored under id, or nil if there is none.
func (s *Store) LoadBackup(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx, `SELECT data FROM backups WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load backup %s: %w", id, err)
	}
	return data, nil
}

// DeleteBackup removes a backup blob. Deleting a missing id is not an error.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	if _, err := dbopen.Exec(ctx, s.DB, `DELETE FROM backups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete backup %s: %w", id, err)
	}
	return nil
}

// ListBackupIDs returns all backup ids in ascending order.
func (s *Store) ListBackupIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM backups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list backups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan backup id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
