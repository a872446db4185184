package snapshot

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// FamilyMember is a person on the family tree.
type FamilyMember struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Relationship string    `json:"relationship"`
	BirthDate    string    `json:"birthDate,omitempty"`
	DeathDate    string    `json:"deathDate,omitempty"`
	PhotoURL     string    `json:"photoUrl,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	Generation   int       `json:"generation"`
	ParentIDs    []string  `json:"parentIds,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (m *FamilyMember) EntityKind() Kind        { return KindFamilyMember }
func (m *FamilyMember) EntityID() string        { return m.ID }
func (m *FamilyMember) LastModified() time.Time { return m.UpdatedAt }

func (m FamilyMember) clone() FamilyMember {
	m.ParentIDs = slices.Clone(m.ParentIDs)
	return m
}

// Memory is a story, photo or note attached to a family member.
type Memory struct {
	ID             string    `json:"id"`
	FamilyMemberID string    `json:"familyMemberId"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Tags           []string  `json:"tags,omitempty"`
	MediaURLs      []string  `json:"mediaUrls,omitempty"`
	OccurredOn     string    `json:"occurredOn,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (m *Memory) EntityKind() Kind        { return KindMemory }
func (m *Memory) EntityID() string        { return m.ID }
func (m *Memory) LastModified() time.Time { return m.UpdatedAt }

func (m Memory) clone() Memory {
	m.Tags = slices.Clone(m.Tags)
	m.MediaURLs = slices.Clone(m.MediaURLs)
	return m
}

// Decoration is one placed item on the altar.
type Decoration struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Label string  `json:"label,omitempty"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Altar is the singleton layout entity.
type Altar struct {
	ID          string       `json:"id"`
	Theme       string       `json:"theme"`
	Layout      string       `json:"layout"`
	Decorations []Decoration `json:"decorations,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (a *Altar) EntityKind() Kind        { return KindAltar }
func (a *Altar) EntityID() string        { return a.ID }
func (a *Altar) LastModified() time.Time { return a.UpdatedAt }

func (a Altar) clone() Altar {
	a.Decorations = slices.Clone(a.Decorations)
	return a
}

// CloneEntity returns a deep copy of e as a new Entity.
func CloneEntity(e Entity) Entity {
	switch v := e.(type) {
	case *FamilyMember:
		c := v.clone()
		return &c
	case *Memory:
		c := v.clone()
		return &c
	case *Altar:
		c := v.clone()
		return &c
	}
	return e
}

// Touch returns a copy of e with its modification instant set to t.
func Touch(e Entity, t time.Time) Entity {
	switch v := CloneEntity(e).(type) {
	case *FamilyMember:
		v.UpdatedAt = t
		return v
	case *Memory:
		v.UpdatedAt = t
		return v
	case *Altar:
		v.UpdatedAt = t
		return v
	}
	return e
}

// DecodeEntity decodes JSON data as an entity of the given kind.
func DecodeEntity(kind Kind, data []byte) (Entity, error) {
	var e Entity
	switch kind {
	case KindFamilyMember:
		e = &FamilyMember{}
	case KindMemory:
		e = &Memory{}
	case KindAltar:
		e = &Altar{}
	default:
		return nil, fmt.Errorf("snapshot: unknown kind %q", kind)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", kind, err)
	}
	return e, nil
}
