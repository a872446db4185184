// Package snapshot holds the application state that the sync engine keeps
// consistent between the working copy and the durable store.
//
// A Snapshot is treated as immutable once handed to the engine: every change
// the engine makes happens on a Clone. Entities expose a stable id and a
// last-modified instant, which is all the reconciliation logic relies on.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind names an entity collection.
type Kind string

const (
	KindFamilyMember Kind = "family_member"
	KindMemory       Kind = "memory"
	KindAltar        Kind = "altar"
)

// Kinds is the declared collection order. Detector output and diagnostics
// are grouped in this order.
var Kinds = []Kind{KindFamilyMember, KindMemory, KindAltar}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	for _, d := range Kinds {
		if d == k {
			return true
		}
	}
	return false
}

// Entity is the contract the engine needs from a domain record.
type Entity interface {
	EntityKind() Kind
	EntityID() string
	LastModified() time.Time
}

// Snapshot is the full set of tracked collections at one instant.
type Snapshot struct {
	FamilyMembers []FamilyMember `json:"familyMembers"`
	Memories      []Memory       `json:"memories"`
	Altar         *Altar         `json:"altar,omitempty"`
}

// Count returns the number of entities across all collections.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	n := len(s.FamilyMembers) + len(s.Memories)
	if s.Altar != nil {
		n++
	}
	return n
}

// Entities returns the entities of one collection sorted by id.
func (s *Snapshot) Entities(kind Kind) []Entity {
	if s == nil {
		return nil
	}
	var out []Entity
	switch kind {
	case KindFamilyMember:
		for i := range s.FamilyMembers {
			out = append(out, &s.FamilyMembers[i])
		}
	case KindMemory:
		for i := range s.Memories {
			out = append(out, &s.Memories[i])
		}
	case KindAltar:
		if s.Altar != nil {
			out = append(out, s.Altar)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Lookup finds an entity by kind and id.
func (s *Snapshot) Lookup(kind Kind, id string) (Entity, bool) {
	if s == nil {
		return nil, false
	}
	switch kind {
	case KindFamilyMember:
		for i := range s.FamilyMembers {
			if s.FamilyMembers[i].ID == id {
				return &s.FamilyMembers[i], true
			}
		}
	case KindMemory:
		for i := range s.Memories {
			if s.Memories[i].ID == id {
				return &s.Memories[i], true
			}
		}
	case KindAltar:
		if s.Altar != nil && s.Altar.ID == id {
			return s.Altar, true
		}
	}
	return nil, false
}

// Newest returns the latest LastModified across all entities, or the zero
// time for an empty snapshot.
func (s *Snapshot) Newest() time.Time {
	var newest time.Time
	for _, k := range Kinds {
		for _, e := range s.Entities(k) {
			if t := e.LastModified(); t.After(newest) {
				newest = t
			}
		}
	}
	return newest
}

// ModifiedSince reports whether any entity was modified strictly after t.
func (s *Snapshot) ModifiedSince(t time.Time) bool {
	return s.Newest().After(t)
}

// Clone returns a deep copy. A nil snapshot clones to an empty one.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{}
	if s == nil {
		return out
	}
	if s.FamilyMembers != nil {
		out.FamilyMembers = make([]FamilyMember, len(s.FamilyMembers))
		for i, m := range s.FamilyMembers {
			out.FamilyMembers[i] = m.clone()
		}
	}
	if s.Memories != nil {
		out.Memories = make([]Memory, len(s.Memories))
		for i, m := range s.Memories {
			out.Memories[i] = m.clone()
		}
	}
	if s.Altar != nil {
		a := s.Altar.clone()
		out.Altar = &a
	}
	return out
}

// Replace swaps the entity with the same kind and id for e. It returns an
// error if no such entity exists. Replace mutates s; callers working on a
// snapshot they do not own must Clone first.
func (s *Snapshot) Replace(e Entity) error {
	switch v := e.(type) {
	case *FamilyMember:
		for i := range s.FamilyMembers {
			if s.FamilyMembers[i].ID == v.ID {
				s.FamilyMembers[i] = v.clone()
				return nil
			}
		}
	case *Memory:
		for i := range s.Memories {
			if s.Memories[i].ID == v.ID {
				s.Memories[i] = v.clone()
				return nil
			}
		}
	case *Altar:
		if s.Altar != nil && s.Altar.ID == v.ID {
			a := v.clone()
			s.Altar = &a
			return nil
		}
	default:
		return fmt.Errorf("snapshot: unsupported entity type %T", e)
	}
	return fmt.Errorf("snapshot: %s %q not found", e.EntityKind(), e.EntityID())
}

// Upsert replaces the entity if present and appends it otherwise.
func (s *Snapshot) Upsert(e Entity) error {
	if _, ok := s.Lookup(e.EntityKind(), e.EntityID()); ok {
		return s.Replace(e)
	}
	switch v := e.(type) {
	case *FamilyMember:
		s.FamilyMembers = append(s.FamilyMembers, v.clone())
	case *Memory:
		s.Memories = append(s.Memories, v.clone())
	case *Altar:
		a := v.clone()
		s.Altar = &a
	default:
		return fmt.Errorf("snapshot: unsupported entity type %T", e)
	}
	return nil
}

// Marshal encodes a snapshot as JSON.
func Marshal(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a JSON-encoded snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return &s, nil
}
