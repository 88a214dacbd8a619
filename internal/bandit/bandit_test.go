package bandit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanujdargan/html.ai/internal/model"
)

type fakeStore struct {
	rec model.VariantRecord

	// conflictOnce, when set, makes the next CompareAndUpdateSlot call for
	// the named slot fail once with model.ErrConflict before succeeding.
	conflictOnce map[model.Slot]bool

	casCalls  int
	lockCalls []string
	lockOK    bool
	lockErr   error
}

func (f *fakeStore) GetOrInitVariant(ctx context.Context, key model.VariantKey, seedHTML string) (model.VariantRecord, error) {
	return f.rec, nil
}

func (f *fakeStore) GetVariant(ctx context.Context, key model.VariantKey) (model.VariantRecord, error) {
	return f.rec, nil
}

func (f *fakeStore) CompareAndUpdateSlot(ctx context.Context, key model.VariantKey, slot model.Slot, prevScore float64, prevTrials int64, newScore float64, newTrials int64) (model.VariantRecord, error) {
	f.casCalls++
	current := f.rec.Slot(slot)
	if f.conflictOnce[slot] {
		f.conflictOnce[slot] = false
		// simulate another writer having already bumped trials underneath us
		current.NumberOfTrials++
		return f.rec, fmt.Errorf("storage: %w", model.ErrConflict)
	}
	if current.CurrentScore != prevScore || current.NumberOfTrials != prevTrials {
		return f.rec, fmt.Errorf("storage: %w", model.ErrConflict)
	}
	current.CurrentScore = newScore
	current.NumberOfTrials = newTrials
	return f.rec, nil
}

func (f *fakeStore) AcquireRegenLock(ctx context.Context, key model.VariantKey, owner string, ttl time.Duration) (bool, error) {
	f.lockCalls = append(f.lockCalls, owner)
	return f.lockOK, f.lockErr
}

func testKey() model.VariantKey {
	return model.VariantKey{BusinessID: "biz1", UserID: "user1", ComponentID: "hero"}
}

func TestSelect_ExploitsHigherScoringSlot(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore = 0.8
	rec.B.CurrentScore = 0.2
	store := &fakeStore{rec: rec}
	b := New(store, Config{Epsilon: 0})

	_, slot, err := b.Select(context.Background(), testKey(), "<div></div>")
	require.NoError(t, err)
	assert.Equal(t, model.SlotA, slot)
}

func TestSelect_TiesPreferFewerTrialsThenSlotA(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.5, 10
	rec.B.CurrentScore, rec.B.NumberOfTrials = 0.5, 3
	store := &fakeStore{rec: rec}
	b := New(store, Config{Epsilon: 0})

	_, slot, err := b.Select(context.Background(), testKey(), "<div></div>")
	require.NoError(t, err)
	assert.Equal(t, model.SlotB, slot)
}

func TestSelect_FullTieFavorsSlotA(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	store := &fakeStore{rec: rec}
	b := New(store, Config{Epsilon: 0})

	_, slot, err := b.Select(context.Background(), testKey(), "<div></div>")
	require.NoError(t, err)
	assert.Equal(t, model.SlotA, slot)
}

func TestSelect_ExplorationPicksFewerTrials(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.9, 50
	rec.B.CurrentScore, rec.B.NumberOfTrials = 0.1, 5
	store := &fakeStore{rec: rec}
	b := New(store, Config{Epsilon: 1}) // always explore

	_, slot, err := b.Select(context.Background(), testKey(), "<div></div>")
	require.NoError(t, err)
	assert.Equal(t, model.SlotB, slot)
}

func TestSelect_DoesNotIncrementTrialCount(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	store := &fakeStore{rec: rec}
	b := New(store, Config{Epsilon: 0})

	updated, slot, err := b.Select(context.Background(), testKey(), "<div></div>")
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.Slot(slot).NumberOfTrials)
	assert.Zero(t, store.casCalls, "a candidate slot must not be written until it is confirmed served")
}

func TestRecordServed_IncrementsTrialCount(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	store := &fakeStore{rec: rec}
	b := New(store, Config{Epsilon: 0})

	updated, err := b.RecordServed(context.Background(), testKey(), model.SlotA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Slot(model.SlotA).NumberOfTrials)
}

func TestRecordServed_RetriesOnceOnConflictThenSucceeds(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	store := &fakeStore{rec: rec, conflictOnce: map[model.Slot]bool{model.SlotA: true}}
	b := New(store, Config{Epsilon: 0})

	updated, err := b.RecordServed(context.Background(), testKey(), model.SlotA)
	require.NoError(t, err)
	assert.Equal(t, 2, store.casCalls)
	// the first CAS bumped trials to 1 underneath us (simulated writer), the
	// retry then lands trials at 2.
	assert.Equal(t, int64(2), updated.Slot(model.SlotA).NumberOfTrials)
}

func TestApplyReward_IncrementalMeanUpdate(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.4, 4
	store := &fakeStore{rec: rec}
	b := New(store, Config{MinTrialsEach: 1000})

	outcome, err := b.ApplyReward(context.Background(), testKey(), model.SlotA, 1.0)
	require.NoError(t, err)
	// newScore = 0.4 + (1.0-0.4)/4 = 0.55
	assert.InDelta(t, 0.55, outcome.Record.Slot(model.SlotA).CurrentScore, 1e-9)
	assert.False(t, outcome.RegenTriggered)
}

func TestApplyReward_ZeroTrialsTreatedAsOne(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	store := &fakeStore{rec: rec}
	b := New(store, Config{MinTrialsEach: 1000})

	outcome, err := b.ApplyReward(context.Background(), testKey(), model.SlotB, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, outcome.Record.Slot(model.SlotB).CurrentScore, 1e-9)
}

func TestApplyReward_RetriesOnceOnConflict(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.4, 4
	store := &fakeStore{rec: rec, conflictOnce: map[model.Slot]bool{model.SlotA: true}}
	b := New(store, Config{MinTrialsEach: 1000})

	outcome, err := b.ApplyReward(context.Background(), testKey(), model.SlotA, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 2, store.casCalls)
	// the simulated conflict bumped trials to 5 before the retry recomputed
	// the mean against the fresh record.
	assert.InDelta(t, 0.4+(1.0-0.4)/5, outcome.Record.Slot(model.SlotA).CurrentScore, 1e-9)
}

func TestApplyReward_TriggersRegenerationWhenGapExceedsThresholdAndLockAcquired(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.2, 20
	rec.B.CurrentScore, rec.B.NumberOfTrials = 0.2, 20
	store := &fakeStore{rec: rec, lockOK: true}
	b := New(store, Config{MinTrialsEach: 20, RegenScoreGap: 0.2})

	// a large reward pushes A's incremental mean to 0.5 (0.2 + (6.2-0.2)/20),
	// clearing the 0.2 gap against B's unmoved 0.2.
	outcome, err := b.ApplyReward(context.Background(), testKey(), model.SlotA, 6.2)
	require.NoError(t, err)
	assert.True(t, outcome.RegenTriggered)
	assert.Equal(t, model.SlotB, outcome.RegenSlot)
	require.Len(t, store.lockCalls, 1)
	assert.Contains(t, store.lockCalls[0], "B")
}

func TestApplyReward_NoTriggerWhenTrialsBelowMinimum(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.2, 5
	rec.B.CurrentScore, rec.B.NumberOfTrials = 0.2, 5
	store := &fakeStore{rec: rec, lockOK: true}
	b := New(store, Config{MinTrialsEach: 20, RegenScoreGap: 0.2})

	outcome, err := b.ApplyReward(context.Background(), testKey(), model.SlotA, 1.0)
	require.NoError(t, err)
	assert.False(t, outcome.RegenTriggered)
	assert.Empty(t, store.lockCalls)
}

func TestApplyReward_NoTriggerWhenGapBelowThreshold(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.5, 30
	rec.B.CurrentScore, rec.B.NumberOfTrials = 0.45, 30
	store := &fakeStore{rec: rec, lockOK: true}
	b := New(store, Config{MinTrialsEach: 20, RegenScoreGap: 0.5})

	outcome, err := b.ApplyReward(context.Background(), testKey(), model.SlotA, 0.5)
	require.NoError(t, err)
	assert.False(t, outcome.RegenTriggered)
}

func TestApplyReward_NoTriggerWhenLockNotAcquired(t *testing.T) {
	rec := model.NewVariantRecord(testKey(), "<div></div>")
	rec.A.CurrentScore, rec.A.NumberOfTrials = 0.2, 30
	rec.B.CurrentScore, rec.B.NumberOfTrials = 0.2, 30
	store := &fakeStore{rec: rec, lockOK: false}
	b := New(store, Config{MinTrialsEach: 20, RegenScoreGap: 0.2})

	// 0.2 + (9.2-0.2)/30 = 0.5 clears the 0.2 gap, so the lock is attempted
	// and refused.
	outcome, err := b.ApplyReward(context.Background(), testKey(), model.SlotA, 9.2)
	require.NoError(t, err)
	assert.False(t, outcome.RegenTriggered)
	require.Len(t, store.lockCalls, 1)
}
