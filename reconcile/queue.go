package reconcile

import (
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/statesync/snapshot"
)

// Source names where a manual resolution takes the winning entity from.
type Source string

const (
	SourceCurrent   Source = "current"
	SourcePersisted Source = "persisted"
	SourceMerged    Source = "merged"
	SourceCustom    Source = "custom"
)

// Resolution is an externally supplied decision for one queued conflict.
type Resolution struct {
	ConflictID string          `json:"conflictId"`
	Source     Source          `json:"chosenSource"`
	Custom     snapshot.Entity `json:"customData,omitempty"`
}

// Applied describes one resolution that took effect.
type Applied struct {
	Conflict Conflict
	Source   Source
	Result   snapshot.Entity
}

// Report is the outcome of Apply.
type Report struct {
	Applied []Applied
	// Unmatched holds resolution ids that named no queued conflict. They are
	// ignored, not errors.
	Unmatched []string
}

type key struct {
	kind snapshot.Kind
	id   string
}

// Queue holds the outstanding conflicts, at most one per entity. A newer
// conflict for an entity supersedes the one already queued.
type Queue struct {
	mu    sync.Mutex
	byKey map[key]Conflict
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{byKey: make(map[key]Conflict)}
}

// Add queues conflicts, replacing any older entry for the same entity.
func (q *Queue) Add(conflicts ...Conflict) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range conflicts {
		q.byKey[key{c.Kind, c.EntityID}] = c
	}
}

// Len returns the number of outstanding conflicts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

// List returns the outstanding conflicts in detection order (kind, then id).
func (q *Queue) List() []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Conflict, 0, len(q.byKey))
	for _, kind := range snapshot.Kinds {
		var ofKind []Conflict
		for k, c := range q.byKey {
			if k.kind == kind {
				ofKind = append(ofKind, c)
			}
		}
		sortByEntity(ofKind)
		out = append(out, ofKind...)
	}
	return out
}

// Clear drops every outstanding conflict.
func (q *Queue) Clear() {
	q.mu.Lock()
	clear(q.byKey)
	q.mu.Unlock()
}

func (q *Queue) take(id string) (Conflict, bool) {
	for k, c := range q.byKey {
		if c.ID == id {
			delete(q.byKey, k)
			return c, true
		}
	}
	return Conflict{}, false
}

// Apply resolves queued conflicts on a clone of current and removes the
// matched entries from the queue. Merged and custom results are stamped with
// at so the next cycle sees them as the latest write. A resolution whose
// custom entity does not match the conflict's kind and id fails the whole
// call and leaves the queue untouched.
func (q *Queue) Apply(current *snapshot.Snapshot, resolutions []Resolution, at time.Time) (*snapshot.Snapshot, Report, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rep Report
	out := current.Clone()
	taken := make([]Conflict, 0, len(resolutions))
	restore := func() {
		for _, c := range taken {
			q.byKey[key{c.Kind, c.EntityID}] = c
		}
	}

	for _, r := range resolutions {
		c, ok := q.take(r.ConflictID)
		if !ok {
			rep.Unmatched = append(rep.Unmatched, r.ConflictID)
			continue
		}
		taken = append(taken, c)

		result, err := pick(c, r, at)
		if err != nil {
			restore()
			return nil, Report{}, err
		}
		if err := out.Upsert(result); err != nil {
			restore()
			return nil, Report{}, fmt.Errorf("reconcile: apply %s: %w", c.ID, err)
		}
		rep.Applied = append(rep.Applied, Applied{Conflict: c, Source: r.Source, Result: result})
	}
	return out, rep, nil
}

func pick(c Conflict, r Resolution, at time.Time) (snapshot.Entity, error) {
	switch r.Source {
	case SourceCurrent:
		return snapshot.CloneEntity(c.Current), nil
	case SourcePersisted:
		return snapshot.CloneEntity(c.Persisted), nil
	case SourceMerged:
		m, err := snapshot.Merge(c.Current, c.Persisted)
		if err != nil {
			return nil, fmt.Errorf("reconcile: merge %s: %w", c.ID, err)
		}
		return snapshot.Touch(m, at), nil
	case SourceCustom:
		if r.Custom == nil {
			return nil, fmt.Errorf("reconcile: conflict %s: custom resolution without data", c.ID)
		}
		if r.Custom.EntityKind() != c.Kind || r.Custom.EntityID() != c.EntityID {
			return nil, fmt.Errorf("reconcile: conflict %s: custom data is %s/%s, want %s/%s",
				c.ID, r.Custom.EntityKind(), r.Custom.EntityID(), c.Kind, c.EntityID)
		}
		return snapshot.Touch(r.Custom, at), nil
	}
	return nil, fmt.Errorf("reconcile: conflict %s: unknown source %q", c.ID, r.Source)
}
