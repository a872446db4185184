package store

// Schema holds the DDL of the durable store. The durable snapshot is a
// single row; revision increments on every save and writer records which
// Store handle produced it so change watchers can ignore their own writes.
const Schema = `
CREATE TABLE IF NOT EXISTS durable_snapshot (
    id        INTEGER PRIMARY KEY CHECK (id = 1),
    payload   BLOB    NOT NULL,
    revision  INTEGER NOT NULL,
    writer    TEXT    NOT NULL,
    saved_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS backups (
    id         TEXT PRIMARY KEY,
    data       BLOB    NOT NULL,
    size_bytes INTEGER NOT NULL,
    stored_at  INTEGER NOT NULL
);
`
