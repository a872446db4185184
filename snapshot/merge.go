package snapshot

import (
	"fmt"
	"slices"
)

// Merge combines two versions of the same entity. Scalar fields come from
// the later version (a wins ties), list fields are the union of both
// (a's order first) and UpdatedAt is the later of the two. Decorations keep
// the later version's placement and gain any the other side added.
func Merge(a, b Entity) (Entity, error) {
	if a.EntityKind() != b.EntityKind() || a.EntityID() != b.EntityID() {
		return nil, fmt.Errorf("snapshot: merge %s/%s with %s/%s",
			a.EntityKind(), a.EntityID(), b.EntityKind(), b.EntityID())
	}
	newer, older := a, b
	if b.LastModified().After(a.LastModified()) {
		newer, older = b, a
	}

	switch n := CloneEntity(newer).(type) {
	case *FamilyMember:
		n.ParentIDs = union(a.(*FamilyMember).ParentIDs, b.(*FamilyMember).ParentIDs)
		return n, nil
	case *Memory:
		n.Tags = union(a.(*Memory).Tags, b.(*Memory).Tags)
		n.MediaURLs = union(a.(*Memory).MediaURLs, b.(*Memory).MediaURLs)
		return n, nil
	case *Altar:
		n.Decorations = unionDecorations(n.Decorations, older.(*Altar).Decorations)
		return n, nil
	}
	return nil, fmt.Errorf("snapshot: unsupported entity type %T", a)
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// unionDecorations keeps every decoration of primary and adds those of
// secondary whose id is not already placed.
func unionDecorations(primary, secondary []Decoration) []Decoration {
	out := slices.Clone(primary)
	for _, d := range secondary {
		if !slices.ContainsFunc(out, func(x Decoration) bool { return x.ID == d.ID }) {
			out = append(out, d)
		}
	}
	return out
}
