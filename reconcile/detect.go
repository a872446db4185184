// Package reconcile finds entities whose working and durable copies diverge
// and turns them into one reconciled snapshot.
package reconcile

import (
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/statesync/idgen"
	"github.com/hazyhaar/statesync/snapshot"
)

// DefaultTolerance absorbs clock and serialization jitter between the two
// copies of an entity.
const DefaultTolerance = time.Second

// Conflict is a same-id entity whose two copies disagree by more than the
// tolerance. Conflicts are immutable once detected; Current and Persisted
// are private copies.
type Conflict struct {
	ID         string          `json:"id"`
	Kind       snapshot.Kind   `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	Current    snapshot.Entity `json:"currentData"`
	Persisted  snapshot.Entity `json:"persistedData"`
	Fields     []string        `json:"conflictingFields"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// Side names one of the two snapshots being compared.
type Side string

const (
	SideCurrent   Side = "current"
	SidePersisted Side = "persisted"
)

// Orphan is an entity present in only one of the two snapshots. Orphans are
// not conflicts: the working copy decides presence, so an entity missing
// from current is dropped from the durable copy and one missing from
// persisted is created there.
type Orphan struct {
	Kind      snapshot.Kind `json:"entityKind"`
	EntityID  string        `json:"entityId"`
	MissingOn Side          `json:"missingOn"`
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithTolerance sets the timestamp tolerance. Default: DefaultTolerance.
func WithTolerance(d time.Duration) DetectorOption {
	return func(det *Detector) { det.tolerance = d }
}

// WithIDGenerator overrides the conflict id generator.
func WithIDGenerator(gen idgen.Generator) DetectorOption {
	return func(det *Detector) { det.newID = gen }
}

// WithDetectorClock overrides the clock that stamps DetectedAt.
func WithDetectorClock(fn func() time.Time) DetectorOption {
	return func(det *Detector) { det.now = fn }
}

// Detector compares two snapshots entity by entity.
type Detector struct {
	tolerance time.Duration
	newID     idgen.Generator
	now       func() time.Time
}

// NewDetector returns a Detector with a 1s tolerance.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		tolerance: DefaultTolerance,
		newID:     idgen.Conflict,
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Tolerance returns the configured timestamp tolerance.
func (d *Detector) Tolerance() time.Duration { return d.tolerance }

// Detect returns the conflicts between current and persisted, grouped by
// kind in declared order and then by entity id. A nil snapshot has no
// entities.
func (d *Detector) Detect(current, persisted *snapshot.Snapshot) []Conflict {
	var out []Conflict
	now := d.now()
	for _, kind := range snapshot.Kinds {
		for _, cur := range current.Entities(kind) {
			per, ok := persisted.Lookup(kind, cur.EntityID())
			if !ok {
				continue
			}
			if !d.diverged(cur, per) {
				continue
			}
			out = append(out, Conflict{
				ID:         d.newID(),
				Kind:       kind,
				EntityID:   cur.EntityID(),
				Current:    snapshot.CloneEntity(cur),
				Persisted:  snapshot.CloneEntity(per),
				Fields:     snapshot.DiffFields(cur, per),
				DetectedAt: now,
			})
		}
	}
	return out
}

func (d *Detector) diverged(a, b snapshot.Entity) bool {
	delta := a.LastModified().Sub(b.LastModified())
	if delta < 0 {
		delta = -delta
	}
	return delta > d.tolerance
}

// Orphans lists entities present on exactly one side, in the same order as
// Detect.
func Orphans(current, persisted *snapshot.Snapshot) []Orphan {
	var out []Orphan
	for _, kind := range snapshot.Kinds {
		cur := current.Entities(kind)
		per := persisted.Entities(kind)
		i, j := 0, 0
		for i < len(cur) || j < len(per) {
			switch {
			case j == len(per) || (i < len(cur) && cur[i].EntityID() < per[j].EntityID()):
				out = append(out, Orphan{Kind: kind, EntityID: cur[i].EntityID(), MissingOn: SidePersisted})
				i++
			case i == len(cur) || per[j].EntityID() < cur[i].EntityID():
				out = append(out, Orphan{Kind: kind, EntityID: per[j].EntityID(), MissingOn: SideCurrent})
				j++
			default:
				i++
				j++
			}
		}
	}
	return out
}

func sortByEntity(cs []Conflict) {
	slices.SortFunc(cs, func(a, b Conflict) int { return strings.Compare(a.EntityID, b.EntityID) })
}
