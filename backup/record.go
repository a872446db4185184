package backup

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hazyhaar/statesync/snapshot"
)

// FormatVersion is written into every record.
const FormatVersion = 1

// Record is the stored form of a backup. Payload is the gzip-compressed JSON
// snapshot; Hash is the hex SHA-256 of the uncompressed JSON.
type Record struct {
	Version   int       `msgpack:"v"`
	ID        string    `msgpack:"id"`
	CreatedAt time.Time `msgpack:"created_at"`
	SizeBytes int64     `msgpack:"size"`
	Hash      string    `msgpack:"sha256"`
	Payload   []byte    `msgpack:"payload"`
}

// Info is the listing view of a Record.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// Info returns the listing view of r.
func (r *Record) Info() Info {
	return Info{ID: r.ID, CreatedAt: r.CreatedAt, SizeBytes: r.SizeBytes}
}

// ErrCorrupted means a record failed its integrity check.
var ErrCorrupted = errors.New("backup: corrupted record")

// NotFoundError is returned when a backup id names nothing in the store.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backup: %s not found", e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// newRecord encodes snap into a Record.
func newRecord(id string, createdAt time.Time, snap *snapshot.Snapshot) (*Record, error) {
	raw, err := snapshot.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("backup: encode snapshot: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("backup: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("backup: compress: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &Record{
		Version:   FormatVersion,
		ID:        id,
		CreatedAt: createdAt.UTC(),
		SizeBytes: int64(len(raw)),
		Hash:      hex.EncodeToString(sum[:]),
		Payload:   buf.Bytes(),
	}, nil
}

// encode returns the msgpack bytes handed to the gateway.
func (r *Record) encode() ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("backup: encode record %s: %w", r.ID, err)
	}
	return data, nil
}

// decodeRecord parses a stored record without touching its payload.
func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if r.Version != FormatVersion || r.ID == "" || r.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: bad header (version %d, id %q)", ErrCorrupted, r.Version, r.ID)
	}
	return &r, nil
}

// Snapshot decompresses and verifies the payload.
func (r *Record) Snapshot() (*snapshot.Snapshot, error) {
	zr, err := gzip.NewReader(bytes.NewReader(r.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, r.ID, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, r.ID, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != r.Hash {
		return nil, fmt.Errorf("%w: %s: hash mismatch", ErrCorrupted, r.ID)
	}
	snap, err := snapshot.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, r.ID, err)
	}
	return snap, nil
}
