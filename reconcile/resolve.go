package reconcile

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/statesync/snapshot"
)

// Strategy selects how automatic resolution picks a winner.
type Strategy string

const (
	// CurrentWins keeps the working copy unchanged.
	CurrentWins Strategy = "current-wins"
	// PersistedWins replaces each conflicting entity with its durable copy.
	PersistedWins Strategy = "persisted-wins"
	// LastWriteWins keeps the strictly later copy; ties go to current.
	LastWriteWins Strategy = "last-write-wins"
)

// DefaultStrategy is used when none is configured.
const DefaultStrategy = LastWriteWins

// ParseStrategy maps a configuration string to a Strategy. The empty string
// yields DefaultStrategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultStrategy, nil
	case CurrentWins:
		return CurrentWins, nil
	case PersistedWins:
		return PersistedWins, nil
	case LastWriteWins:
		return LastWriteWins, nil
	}
	return "", fmt.Errorf("reconcile: unknown strategy %q", s)
}

// Resolver applies one Strategy to a conflict set.
type Resolver struct {
	Strategy Strategy
}

// NewResolver returns a Resolver for s.
func NewResolver(s Strategy) *Resolver {
	return &Resolver{Strategy: s}
}

// Resolve returns the reconciled snapshot. current is never modified; under
// CurrentWins it is returned as is. Resolution is total: every conflict
// gets a winner.
func (r *Resolver) Resolve(current *snapshot.Snapshot, conflicts []Conflict) (*snapshot.Snapshot, error) {
	if r.Strategy == CurrentWins || len(conflicts) == 0 {
		return current, nil
	}
	out := current.Clone()
	for _, c := range conflicts {
		winner := r.Winner(c)
		if winner != SidePersisted {
			continue
		}
		if err := out.Replace(c.Persisted); err != nil {
			return nil, fmt.Errorf("reconcile: conflict %s: %w", c.ID, err)
		}
	}
	return out, nil
}

// Winner reports which side the strategy keeps for c.
func (r *Resolver) Winner(c Conflict) Side {
	switch r.Strategy {
	case PersistedWins:
		return SidePersisted
	case LastWriteWins:
		if c.Persisted.LastModified().After(c.Current.LastModified()) {
			return SidePersisted
		}
	}
	return SideCurrent
}
