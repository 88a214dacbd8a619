package model

import "time"

// Slot is one of the two competing variant positions.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
)

// Other returns the slot that is not s.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// SlotState is the variant-slot state machine in SPEC_FULL.md §4.6.
type SlotState string

const (
	SlotSeeded       SlotState = "seeded"
	SlotActive       SlotState = "active"
	SlotRegenerating SlotState = "regenerating"
)

// HistoryEntry archives a slot's markup and score at the moment it was
// retired by a regeneration.
type HistoryEntry struct {
	HTML      string
	Score     float64
	Timestamp time.Time
}

// VariantSlot is one A or B candidate.
type VariantSlot struct {
	CurrentHTML    string
	CurrentScore   float64
	NumberOfTrials int64
	History        []HistoryEntry
	State          SlotState
}

// VariantKey identifies a variant record.
type VariantKey struct {
	BusinessID  string
	UserID      string
	ComponentID string
}

// VariantRecord is the per-(business,user,component) A/B record.
// Invariants (SPEC_FULL.md §3): both slots always exist once materialized;
// both start seeded with the original markup, score 0, trials 0, empty
// history.
type VariantRecord struct {
	Key            VariantKey
	A              VariantSlot
	B              VariantSlot
	RegenLockOwner string    // empty when no regeneration is in flight
	RegenLockUntil time.Time // advisory lock expiry
	UpdatedAt      time.Time
}

// Slot returns a pointer to the named slot for in-place mutation.
func (v *VariantRecord) Slot(s Slot) *VariantSlot {
	if s == SlotA {
		return &v.A
	}
	return &v.B
}

// NewVariantRecord seeds both slots from the original markup per invariant (ii).
func NewVariantRecord(key VariantKey, seedHTML string) VariantRecord {
	seed := VariantSlot{
		CurrentHTML:    seedHTML,
		CurrentScore:   0,
		NumberOfTrials: 0,
		History:        nil,
		State:          SlotSeeded,
	}
	return VariantRecord{Key: key, A: seed, B: seed}
}

// Winner returns the slot with the higher current score, the loser, and
// whether both slots have at least minTrialsEach trials (a precondition for
// regeneration triggers per SPEC_FULL.md §4.6).
func (v VariantRecord) Winner(minTrialsEach int64) (winner, loser Slot, eligible bool) {
	if v.A.CurrentScore >= v.B.CurrentScore {
		winner, loser = SlotA, SlotB
	} else {
		winner, loser = SlotB, SlotA
	}
	eligible = v.A.NumberOfTrials >= minTrialsEach && v.B.NumberOfTrials >= minTrialsEach
	return winner, loser, eligible
}
