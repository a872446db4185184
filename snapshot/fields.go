package snapshot

import "slices"

// field is one comparable attribute of an entity kind. The name matches the
// JSON field name so diagnostics line up with the stored payload.
type field[T any] struct {
	name  string
	equal func(a, b *T) bool
}

// Field lists per kind. UpdatedAt is deliberately absent: it is the
// comparison key, not content.
var (
	familyMemberFields = []field[FamilyMember]{
		{"name", func(a, b *FamilyMember) bool { return a.Name == b.Name }},
		{"relationship", func(a, b *FamilyMember) bool { return a.Relationship == b.Relationship }},
		{"birthDate", func(a, b *FamilyMember) bool { return a.BirthDate == b.BirthDate }},
		{"deathDate", func(a, b *FamilyMember) bool { return a.DeathDate == b.DeathDate }},
		{"photoUrl", func(a, b *FamilyMember) bool { return a.PhotoURL == b.PhotoURL }},
		{"notes", func(a, b *FamilyMember) bool { return a.Notes == b.Notes }},
		{"generation", func(a, b *FamilyMember) bool { return a.Generation == b.Generation }},
		{"parentIds", func(a, b *FamilyMember) bool { return slices.Equal(a.ParentIDs, b.ParentIDs) }},
	}

	memoryFields = []field[Memory]{
		{"familyMemberId", func(a, b *Memory) bool { return a.FamilyMemberID == b.FamilyMemberID }},
		{"title", func(a, b *Memory) bool { return a.Title == b.Title }},
		{"content", func(a, b *Memory) bool { return a.Content == b.Content }},
		{"tags", func(a, b *Memory) bool { return slices.Equal(a.Tags, b.Tags) }},
		{"mediaUrls", func(a, b *Memory) bool { return slices.Equal(a.MediaURLs, b.MediaURLs) }},
		{"occurredOn", func(a, b *Memory) bool { return a.OccurredOn == b.OccurredOn }},
	}

	altarFields = []field[Altar]{
		{"theme", func(a, b *Altar) bool { return a.Theme == b.Theme }},
		{"layout", func(a, b *Altar) bool { return a.Layout == b.Layout }},
		{"decorations", func(a, b *Altar) bool { return slices.Equal(a.Decorations, b.Decorations) }},
	}
)

func diff[T any](fields []field[T], a, b *T) []string {
	var out []string
	for _, f := range fields {
		if !f.equal(a, b) {
			out = append(out, f.name)
		}
	}
	return out
}

// DiffFields returns the names of content fields that differ between two
// versions of the same entity, in declared field order. Entities of
// different kinds have no comparable fields and yield nil.
func DiffFields(a, b Entity) []string {
	switch av := a.(type) {
	case *FamilyMember:
		if bv, ok := b.(*FamilyMember); ok {
			return diff(familyMemberFields, av, bv)
		}
	case *Memory:
		if bv, ok := b.(*Memory); ok {
			return diff(memoryFields, av, bv)
		}
	case *Altar:
		if bv, ok := b.(*Altar); ok {
			return diff(altarFields, av, bv)
		}
	}
	return nil
}

// FieldNames lists the comparable fields of a kind.
func FieldNames(kind Kind) []string {
	var names []string
	switch kind {
	case KindFamilyMember:
		for _, f := range familyMemberFields {
			names = append(names, f.name)
		}
	case KindMemory:
		for _, f := range memoryFields {
			names = append(names, f.name)
		}
	case KindAltar:
		for _, f := range altarFields {
			names = append(names, f.name)
		}
	}
	return names
}
