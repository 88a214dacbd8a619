// Package bandit implements the ε-greedy variant selection policy and the
// score-update/regeneration-trigger logic that operate on a VariantRecord.
package bandit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/tanujdargan/html.ai/internal/model"
)

// Store is the subset of the persistence layer the bandit needs.
type Store interface {
	GetOrInitVariant(ctx context.Context, key model.VariantKey, seedHTML string) (model.VariantRecord, error)
	GetVariant(ctx context.Context, key model.VariantKey) (model.VariantRecord, error)
	CompareAndUpdateSlot(ctx context.Context, key model.VariantKey, slot model.Slot, prevScore float64, prevTrials int64, newScore float64, newTrials int64) (model.VariantRecord, error)
	AcquireRegenLock(ctx context.Context, key model.VariantKey, owner string, ttl time.Duration) (bool, error)
}

// Config tunes the policy.
type Config struct {
	Epsilon       float64 // exploration probability
	MinTrialsEach int64   // trials each slot needs before a regeneration trigger is eligible
	RegenScoreGap float64 // score gap that triggers regeneration of the loser
	RegenLockTTL  time.Duration
}

// Bandit implements SPEC_FULL.md §4.6.
type Bandit struct {
	store Store
	cfg   Config
}

// New constructs a Bandit.
func New(store Store, cfg Config) *Bandit {
	return &Bandit{store: store, cfg: cfg}
}

// Select loads (or initializes) the variant record and picks a slot per the
// ε-greedy policy. It does not record a trial: a slot is only a candidate
// until the caller's guardrail has approved its HTML for serving. Call
// RecordServed once that's confirmed.
func (b *Bandit) Select(ctx context.Context, key model.VariantKey, seedHTML string) (model.VariantRecord, model.Slot, error) {
	rec, err := b.store.GetOrInitVariant(ctx, key, seedHTML)
	if err != nil {
		return model.VariantRecord{}, "", err
	}
	return rec, b.pick(rec), nil
}

// RecordServed increments slot's trial counter. Callers must only invoke
// this once a slot's HTML has actually been confirmed for serving (e.g.
// after the guardrail approves it) — a rejected candidate must never reach
// here, per the rule that rejections do not update trial counters. On a
// lost compare-and-set race it retries once against the authoritative
// record the store returns with the conflict, then gives up.
func (b *Bandit) RecordServed(ctx context.Context, key model.VariantKey, slot model.Slot) (model.VariantRecord, error) {
	rec, err := b.store.GetVariant(ctx, key)
	if err != nil {
		return model.VariantRecord{}, err
	}
	return b.tryIncrementTrial(ctx, key, rec, slot)
}

func (b *Bandit) tryIncrementTrial(ctx context.Context, key model.VariantKey, rec model.VariantRecord, slot model.Slot) (model.VariantRecord, error) {
	s := rec.Slot(slot)
	updated, err := b.store.CompareAndUpdateSlot(ctx, key, slot, s.CurrentScore, s.NumberOfTrials, s.CurrentScore, s.NumberOfTrials+1)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, model.ErrConflict) {
		return model.VariantRecord{}, err
	}
	// updated holds the authoritative record the storage layer read when
	// the CAS lost its race; retry exactly once against it.
	s2 := updated.Slot(slot)
	return b.store.CompareAndUpdateSlot(ctx, key, slot, s2.CurrentScore, s2.NumberOfTrials, s2.CurrentScore, s2.NumberOfTrials+1)
}

// pick implements the ε-greedy policy: with probability Epsilon, explore
// (fewer trials wins); otherwise exploit (higher score wins, ties broken by
// fewer trials then by slot A).
func (b *Bandit) pick(rec model.VariantRecord) model.Slot {
	if rand.Float64() < b.cfg.Epsilon {
		if rec.A.NumberOfTrials <= rec.B.NumberOfTrials {
			return model.SlotA
		}
		return model.SlotB
	}
	switch {
	case rec.A.CurrentScore > rec.B.CurrentScore:
		return model.SlotA
	case rec.B.CurrentScore > rec.A.CurrentScore:
		return model.SlotB
	default:
		if rec.A.NumberOfTrials <= rec.B.NumberOfTrials {
			return model.SlotA
		}
		return model.SlotB
	}
}

// RewardOutcome reports the updated record and whether a regeneration was
// triggered as a side effect of this reward.
type RewardOutcome struct {
	Record         model.VariantRecord
	RegenTriggered bool
	RegenSlot      model.Slot
}

// ApplyReward incrementally updates slot's rolling mean score by reward,
// then evaluates the regeneration trigger.
func (b *Bandit) ApplyReward(ctx context.Context, key model.VariantKey, slot model.Slot, reward float64) (RewardOutcome, error) {
	rec, err := b.store.GetVariant(ctx, key)
	if err != nil {
		return RewardOutcome{}, err
	}

	updated, err := b.tryUpdateScore(ctx, key, rec, slot, reward)
	if err != nil {
		return RewardOutcome{}, err
	}

	outcome := RewardOutcome{Record: updated}
	winner, loser, eligible := updated.Winner(b.cfg.MinTrialsEach)
	if !eligible {
		return outcome, nil
	}
	winnerSlot, loserSlot := updated.Slot(winner), updated.Slot(loser)
	if winnerSlot.CurrentScore-loserSlot.CurrentScore < b.cfg.RegenScoreGap {
		return outcome, nil
	}

	acquired, lockErr := b.store.AcquireRegenLock(ctx, key, fmt.Sprintf("reward:%s", loser), b.cfg.RegenLockTTL)
	if lockErr != nil {
		return outcome, lockErr
	}
	if acquired {
		outcome.RegenTriggered = true
		outcome.RegenSlot = loser
	}
	return outcome, nil
}

func (b *Bandit) tryUpdateScore(ctx context.Context, key model.VariantKey, rec model.VariantRecord, slot model.Slot, reward float64) (model.VariantRecord, error) {
	s := rec.Slot(slot)
	trials := s.NumberOfTrials
	if trials == 0 {
		trials = 1 // a reward with no prior selection still counts as one trial
	}
	newScore := s.CurrentScore + (reward-s.CurrentScore)/float64(trials)

	updated, err := b.store.CompareAndUpdateSlot(ctx, key, slot, s.CurrentScore, s.NumberOfTrials, newScore, trials)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, model.ErrConflict) {
		return model.VariantRecord{}, err
	}

	s2 := updated.Slot(slot)
	trials2 := s2.NumberOfTrials
	if trials2 == 0 {
		trials2 = 1
	}
	newScore2 := s2.CurrentScore + (reward-s2.CurrentScore)/float64(trials2)
	return b.store.CompareAndUpdateSlot(ctx, key, slot, s2.CurrentScore, s2.NumberOfTrials, newScore2, trials2)
}
