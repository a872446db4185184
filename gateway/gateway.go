// Package gateway defines the persistence contract the sync engine consumes
// and decorators that bound how long and how often it is called.
//
// A Gateway stores exactly one durable snapshot plus a set of opaque backup
// blobs. Absence is not an error: Load and LoadBackup return nil when there
// is nothing stored.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/statesync/snapshot"
)

// Gateway is the durable store behind the engine.
type Gateway interface {
	Load(ctx context.Context) (*snapshot.Snapshot, error)
	Save(ctx context.Context, s *snapshot.Snapshot) error
	StoreBackup(ctx context.Context, id string, data []byte) error
	LoadBackup(ctx context.Context, id string) ([]byte, error)
	DeleteBackup(ctx context.Context, id string) error
	ListBackupIDs(ctx context.Context) ([]string, error)
}

// Op names a gateway operation in errors and metrics.
type Op string

const (
	OpLoad         Op = "load"
	OpSave         Op = "save"
	OpStoreBackup  Op = "store_backup"
	OpLoadBackup   Op = "load_backup"
	OpDeleteBackup Op = "delete_backup"
	OpListBackups  Op = "list_backups"
)

// Error is returned for any I/O failure of the durable store.
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap turns err into an *Error for op. nil stays nil and errors that are
// already gateway errors are returned unchanged.
func Wrap(op Op, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsGatewayError reports whether err came from the durable store.
func IsGatewayError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
