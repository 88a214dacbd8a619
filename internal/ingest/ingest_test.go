package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanujdargan/html.ai/internal/model"
)

type fakeStore struct {
	mu          sync.Mutex
	used, limit int64
	inserted    []model.Event
	quotaFull   bool
}

func (f *fakeStore) IncrementMonthlyEvents(ctx context.Context, businessID string, count int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotaFull || f.used+count > f.limit {
		return f.used, false, nil
	}
	f.used += count
	return f.used, true, nil
}

func (f *fakeStore) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, events...)
	return int64(len(events)), nil
}

func newTestIngestor(limit int64) (*Ingestor, *fakeStore) {
	store := &fakeStore{limit: limit}
	return New(store, Config{}), store
}

func TestBatch_AcceptsWellFormedEvents(t *testing.T) {
	ing, store := newTestIngestor(1000)
	defer ing.Close()

	req := model.EventBatchRequest{
		UserID:    "u1",
		SessionID: "s1",
		Events: []model.EventTrackRequest{
			{EventName: "page_view"},
			{EventName: "click", ComponentID: "hero"},
		},
	}
	result, err := ing.Batch(context.Background(), "biz1", req, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Dropped)
	assert.Len(t, store.inserted, 2)
}

func TestBatch_RejectsInvalidEventsPerIndex(t *testing.T) {
	ing, _ := newTestIngestor(1000)
	defer ing.Close()

	req := model.EventBatchRequest{
		UserID:    "u1",
		SessionID: "s1",
		Events: []model.EventTrackRequest{
			{EventName: "page_view"},
			{EventName: ""}, // invalid
		},
	}
	result, err := ing.Batch(context.Background(), "biz1", req, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	require.Len(t, result.Statuses, 2)
	assert.Equal(t, "accepted", result.Statuses[0].Status)
	assert.Equal(t, "rejected", result.Statuses[1].Status)
}

func TestBatch_CoalescesHighFrequencyBurst(t *testing.T) {
	ing, store := newTestIngestor(1000)
	defer ing.Close()

	base := time.Now()
	events := make([]model.EventTrackRequest, 0, 20)
	for i := 0; i < 20; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Millisecond)
		events = append(events, model.EventTrackRequest{EventName: "mouse_hesitation", Timestamp: &ts})
	}
	req := model.EventBatchRequest{UserID: "u1", SessionID: "s1", Events: events}

	result, err := ing.Batch(context.Background(), "biz1", req, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 19, result.Dropped)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, 20, store.inserted[0].CoalescedCount)
}

func TestBatch_DoesNotCoalesceAcrossSessions(t *testing.T) {
	ing, store := newTestIngestor(1000)
	defer ing.Close()

	ts := time.Now()
	req1 := model.EventBatchRequest{UserID: "u1", SessionID: "s1", Events: []model.EventTrackRequest{{EventName: "hover", Timestamp: &ts}}}
	req2 := model.EventBatchRequest{UserID: "u1", SessionID: "s2", Events: []model.EventTrackRequest{{EventName: "hover", Timestamp: &ts}}}

	_, err := ing.Batch(context.Background(), "biz1", req1, "")
	require.NoError(t, err)
	_, err = ing.Batch(context.Background(), "biz1", req2, "")
	require.NoError(t, err)

	assert.Len(t, store.inserted, 2)
}

func TestBatch_DoesNotCoalesceNonThrottledEvents(t *testing.T) {
	ing, store := newTestIngestor(1000)
	defer ing.Close()

	ts := time.Now()
	events := []model.EventTrackRequest{
		{EventName: "page_view", Timestamp: &ts},
		{EventName: "page_view", Timestamp: &ts},
	}
	req := model.EventBatchRequest{UserID: "u1", SessionID: "s1", Events: events}

	result, err := ing.Batch(context.Background(), "biz1", req, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Len(t, store.inserted, 2)
}

func TestBatch_QuotaExceededRejectsWholeBatch(t *testing.T) {
	ing, store := newTestIngestor(1)
	defer ing.Close()
	store.used = 1 // already at limit

	req := model.EventBatchRequest{
		UserID:    "u1",
		SessionID: "s1",
		Events:    []model.EventTrackRequest{{EventName: "page_view"}},
	}
	_, err := ing.Batch(context.Background(), "biz1", req, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)
	assert.Empty(t, store.inserted)
}

func TestBatch_BackpressureShedsThrottledEventsFirst(t *testing.T) {
	store := &fakeStore{limit: 1000}
	ing := New(store, Config{BackpressureWatermark: 5})
	defer ing.Close()

	base := time.Now()
	events := make([]model.EventTrackRequest, 0, 10)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		events = append(events, model.EventTrackRequest{EventName: "click", ComponentID: "hero", Timestamp: &ts})
	}
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * 2 * time.Second)
		events = append(events, model.EventTrackRequest{EventName: "dead_click", Timestamp: &ts})
	}
	req := model.EventBatchRequest{UserID: "u1", SessionID: "s1", Events: events}

	result, err := ing.Batch(context.Background(), "biz1", req, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Accepted, 5)

	clickCount := 0
	for _, e := range store.inserted {
		if e.EventName == "click" {
			clickCount++
		}
	}
	assert.Equal(t, 3, clickCount, "high-priority events must survive shedding before low-priority ones")
}

func TestBatch_PersistsInTimestampOrder(t *testing.T) {
	ing, store := newTestIngestor(1000)
	defer ing.Close()

	t1 := time.Now()
	t0 := t1.Add(-time.Minute)
	req := model.EventBatchRequest{
		UserID:    "u1",
		SessionID: "s1",
		Events: []model.EventTrackRequest{
			{EventName: "page_view", Timestamp: &t1},
			{EventName: "click", ComponentID: "hero", Timestamp: &t0},
		},
	}
	_, err := ing.Batch(context.Background(), "biz1", req, "")
	require.NoError(t, err)
	require.Len(t, store.inserted, 2)
	assert.True(t, store.inserted[0].Timestamp.Before(store.inserted[1].Timestamp))
}

func TestSingle_DelegatesToBatch(t *testing.T) {
	ing, store := newTestIngestor(1000)
	defer ing.Close()

	result, err := ing.Single(context.Background(), "biz1", model.EventTrackRequest{EventName: "page_view"}, "u1", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Len(t, store.inserted, 1)
}

func TestBatch_HighFrequencyRateLimitDropsExcessBursts(t *testing.T) {
	store := &fakeStore{limit: 1000}
	ing := New(store, Config{EventRatePerSecond: 1000, EventBurst: 2})
	defer ing.Close()

	// Three distinct high-frequency event names, spaced far enough apart
	// that none would coalesce with another on its own — only the
	// per-session token bucket can explain a drop here.
	base := time.Now()
	names := []string{"hover", "scroll_fast", "dead_click"}
	events := make([]model.EventTrackRequest, 0, len(names))
	for i, name := range names {
		ts := base.Add(time.Duration(i) * 10 * time.Second)
		events = append(events, model.EventTrackRequest{EventName: name, Timestamp: &ts})
	}
	req := model.EventBatchRequest{UserID: "u1", SessionID: "s1", Events: events}

	result, err := ing.Batch(context.Background(), "biz1", req, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Dropped)
	require.Len(t, result.Statuses, 3)
	assert.Equal(t, "dropped", result.Statuses[2].Status)
	assert.Equal(t, "high-frequency event rate exceeded", result.Statuses[2].Reason)
}

func TestBatch_HighFrequencyRateLimitIsPerSession(t *testing.T) {
	store := &fakeStore{limit: 1000}
	ing := New(store, Config{EventRatePerSecond: 1000, EventBurst: 1})
	defer ing.Close()

	ts := time.Now()
	req1 := model.EventBatchRequest{UserID: "u1", SessionID: "s1", Events: []model.EventTrackRequest{{EventName: "hover", Timestamp: &ts}}}
	req2 := model.EventBatchRequest{UserID: "u1", SessionID: "s2", Events: []model.EventTrackRequest{{EventName: "hover", Timestamp: &ts}}}

	r1, err := ing.Batch(context.Background(), "biz1", req1, "")
	require.NoError(t, err)
	r2, err := ing.Batch(context.Background(), "biz1", req2, "")
	require.NoError(t, err)

	assert.Equal(t, 1, r1.Accepted)
	assert.Equal(t, 1, r2.Accepted, "a different session must get its own token bucket")
}
