package main

import (
	"context"
	"sync"

	"github.com/hazyhaar/statesync/engine"
	"github.com/hazyhaar/statesync/snapshot"
)

// workspace holds the daemon's working copy. Clients replace it through the
// admin API; the engine reads it through source.
type workspace struct {
	mu   sync.Mutex
	snap *snapshot.Snapshot
	// dirty is set when a client wrote since the engine last read.
	dirty bool
}

func newWorkspace(initial *snapshot.Snapshot) *workspace {
	return &workspace{snap: initial.Clone()}
}

// source hands the engine a copy and marks the copy as seen.
func (w *workspace) source(context.Context) (*snapshot.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = false
	return w.snap.Clone(), nil
}

func (w *workspace) get() *snapshot.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.Clone()
}

// put replaces the working copy and returns a marker for every entity that
// was added, removed or changed.
func (w *workspace) put(next *snapshot.Snapshot) []engine.Marker {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := changedEntities(w.snap, next)
	w.snap = next.Clone()
	w.dirty = true
	return changed
}

// adopt takes what the engine saved as the new working copy. A cycle result
// is dropped when a client wrote in the meantime; restores and manual
// resolutions always win.
func (w *workspace) adopt(s engine.Saved) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.Reason == "sync" && w.dirty {
		return
	}
	w.snap = s.Snapshot.Clone()
}

func changedEntities(prev, next *snapshot.Snapshot) []engine.Marker {
	var out []engine.Marker
	for _, kind := range snapshot.Kinds {
		seen := make(map[string]bool)
		for _, e := range next.Entities(kind) {
			seen[e.EntityID()] = true
			old, ok := prev.Lookup(kind, e.EntityID())
			if !ok || !old.LastModified().Equal(e.LastModified()) || len(snapshot.DiffFields(old, e)) > 0 {
				out = append(out, engine.Marker{Kind: kind, EntityID: e.EntityID()})
			}
		}
		for _, e := range prev.Entities(kind) {
			if !seen[e.EntityID()] {
				out = append(out, engine.Marker{Kind: kind, EntityID: e.EntityID()})
			}
		}
	}
	return out
}
