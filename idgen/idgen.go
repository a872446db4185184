// Package idgen provides the identifier strategies used by the sync engine.
//
// Conflicts get prefixed UUIDv7 ids. Backups get timestamp-derived ids that
// sort lexically in creation order, so a plain listing of backup ids is
// already chronological.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Random returns a Generator of base-36 strings of the given length.
func Random(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends a fixed prefix to every id from gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// StampLayout is the UTC layout of timestamp-derived ids. Millisecond
// precision with fixed width keeps lexical and chronological order equal.
const StampLayout = "20060102T150405.000Z"

// Timestamped returns a Generator producing "<prefix><stamp>_<suffix>" where
// stamp comes from now and suffix from gen.
func Timestamped(prefix string, now func() time.Time, gen Generator) Generator {
	if now == nil {
		now = time.Now
	}
	return func() string {
		return prefix + now().UTC().Format(StampLayout) + "_" + gen()
	}
}

// StampOf extracts the creation instant from an id produced by Timestamped.
func StampOf(prefix, id string) (time.Time, error) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return time.Time{}, fmt.Errorf("idgen: %q lacks prefix %q", id, prefix)
	}
	stamp, _, _ := strings.Cut(rest, "_")
	t, err := time.Parse(StampLayout, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("idgen: parse stamp of %q: %w", id, err)
	}
	return t, nil
}

// Conflict is the default generator for conflict ids.
var Conflict Generator = Prefixed("cfl_", UUIDv7())

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
