// Package ingest accepts single and batched behavioral events, enforces
// monthly quota, coalesces high-frequency event bursts server-side, and
// persists the result in timestamp order.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tanujdargan/html.ai/internal/model"
	"github.com/tanujdargan/html.ai/internal/ratelimit"
)

// Store is the subset of the persistence layer the ingestor needs.
type Store interface {
	IncrementMonthlyEvents(ctx context.Context, businessID string, count int64) (int64, bool, error)
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
}

// coalesceIntervals gives each high-frequency event name its own minimum
// interval, per SPEC_FULL.md §4.3's "500 ms-5 s depending on event" range.
// Names not listed here are never coalesced.
var coalesceIntervals = map[string]time.Duration{
	"mouse_hesitation":        500 * time.Millisecond,
	"mouse_idle_start":        2 * time.Second,
	"mouse_idle_end":          500 * time.Millisecond,
	"scroll_direction_change": 500 * time.Millisecond,
	"scroll_fast":             1 * time.Second,
	"scroll_pause":            1 * time.Second,
	"hover":                   1 * time.Second,
	"hover_end":               500 * time.Millisecond,
	"dead_click":              5 * time.Second,
}

// Config tunes ingest behavior.
type Config struct {
	// BackpressureWatermark bounds how many events a single batch may carry
	// before the ingestor starts shedding the throttled set.
	BackpressureWatermark int

	// EventRatePerSecond and EventBurst size the per-(business, user,
	// session) token bucket that throttles high-frequency event names,
	// independent of and in addition to coalescing.
	EventRatePerSecond float64
	EventBurst         int
}

// coalesceState tracks the last-seen occurrence of a high-frequency event
// name for one (business, user, session).
type coalesceState struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time // keyed by event_name
}

// Ingestor implements the Event Ingestor (SPEC_FULL.md §4.3).
type Ingestor struct {
	store Store
	cfg   Config

	mu    sync.Mutex
	byKey map[string]*coalesceState // keyed by business_id|user_id|session_id

	// limiter caps the sustained rate of high-frequency events per
	// (business, user, session), on top of coalescing: coalescing merges
	// a single burst into one stored event, the limiter bounds how many
	// distinct bursts a session may produce per second.
	limiter *ratelimit.MemoryLimiter

	stopOnce sync.Once
	done     chan struct{}
}

// New constructs an Ingestor and starts its background eviction loop.
func New(store Store, cfg Config) *Ingestor {
	if cfg.BackpressureWatermark <= 0 {
		cfg.BackpressureWatermark = 200
	}
	if cfg.EventRatePerSecond <= 0 {
		cfg.EventRatePerSecond = 10
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 20
	}
	ing := &Ingestor{
		store:   store,
		cfg:     cfg,
		byKey:   make(map[string]*coalesceState),
		limiter: ratelimit.NewMemoryLimiter(cfg.EventRatePerSecond, cfg.EventBurst),
		done:    make(chan struct{}),
	}
	go ing.evictLoop()
	return ing
}

// Close stops the background eviction loop and the rate limiter's cleanup
// goroutine.
func (ing *Ingestor) Close() error {
	ing.stopOnce.Do(func() { close(ing.done) })
	return ing.limiter.Close()
}

func (ing *Ingestor) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ing.done:
			return
		case <-ticker.C:
			ing.evictStale()
		}
	}
}

func (ing *Ingestor) evictStale() {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	cutoff := time.Now().Add(-30 * time.Minute)
	for key, state := range ing.byKey {
		state.mu.Lock()
		stale := true
		for _, t := range state.lastSeen {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		state.mu.Unlock()
		if stale {
			delete(ing.byKey, key)
		}
	}
}

func (ing *Ingestor) stateFor(businessID, userID, sessionID string) *coalesceState {
	key := businessID + "|" + userID + "|" + sessionID
	ing.mu.Lock()
	defer ing.mu.Unlock()
	state, ok := ing.byKey[key]
	if !ok {
		state = &coalesceState{lastSeen: make(map[string]time.Time)}
		ing.byKey[key] = state
	}
	return state
}

// candidate is one event under consideration before quota/coalescing
// decisions are applied.
type candidate struct {
	index int
	event model.Event
}

// AcceptResult reports the outcome of an ingest call.
type AcceptResult struct {
	Accepted int
	Dropped  int
	Statuses []model.EventStatus
}

// Single ingests one event (POST /api/events/track).
func (ing *Ingestor) Single(ctx context.Context, businessID string, req model.EventTrackRequest, userID, sessionID, globalUID string) (AcceptResult, error) {
	batch := model.EventBatchRequest{UserID: userID, SessionID: sessionID, Events: []model.EventTrackRequest{req}}
	return ing.Batch(ctx, businessID, batch, globalUID)
}

// Batch ingests a batch of events (POST /api/events/batch), applying
// coalescing, backpressure shedding, quota enforcement, and per-index
// status reporting in that order.
func (ing *Ingestor) Batch(ctx context.Context, businessID string, req model.EventBatchRequest, globalUID string) (AcceptResult, error) {
	now := time.Now()
	statuses := make([]model.EventStatus, len(req.Events))
	candidates := make([]candidate, 0, len(req.Events))

	for i, raw := range req.Events {
		if err := raw.Validate(); err != nil {
			statuses[i] = model.EventStatus{Index: i, Status: "rejected", Reason: err.Error()}
			continue
		}
		ts := now
		if raw.Timestamp != nil {
			ts = *raw.Timestamp
		}
		ev := model.Event{
			BusinessID:  businessID,
			UserID:      req.UserID,
			SessionID:   req.SessionID,
			GlobalUID:   globalUID,
			EventName:   raw.EventName,
			ComponentID: raw.ComponentID,
			Properties:  raw.Properties,
			Timestamp:   ts,
		}
		candidates = append(candidates, candidate{index: i, event: ev})
	}

	coalesced, coalescedDropped := ing.coalesce(ctx, businessID, req.UserID, req.SessionID, candidates, statuses)
	final, backpressureDropped := ing.applyBackpressure(coalesced, statuses)

	sort.SliceStable(final, func(i, j int) bool {
		return final[i].event.Timestamp.Before(final[j].event.Timestamp)
	})

	events := make([]model.Event, len(final))
	for i, c := range final {
		events[i] = c.event
	}

	accepted := int64(len(events))
	if accepted > 0 {
		_, applied, err := ing.store.IncrementMonthlyEvents(ctx, businessID, accepted)
		if err != nil {
			return AcceptResult{}, fmt.Errorf("ingest: check quota: %w", err)
		}
		if !applied {
			for _, c := range final {
				statuses[c.index] = model.EventStatus{Index: c.index, Status: "rejected", Reason: "monthly event quota exceeded"}
			}
			return AcceptResult{}, fmt.Errorf("ingest: %w", model.ErrQuotaExceeded)
		}

		if _, err := ing.store.InsertEvents(ctx, events); err != nil {
			return AcceptResult{}, fmt.Errorf("ingest: persist events: %w", err)
		}
	}

	result := AcceptResult{
		Accepted: len(events),
		Dropped:  coalescedDropped + backpressureDropped,
		Statuses: statuses,
	}
	return result, nil
}

// coalesce collapses consecutive high-frequency events from the same
// session within each event name's minimum interval into a single stored
// event carrying coalesced_count, per SPEC_FULL.md §4.3, then spends one
// token from that session's rate limiter for each surviving representative
// — a session producing bursts faster than EventRatePerSecond starts
// shedding whole bursts here even though each individual burst coalesces
// fine on its own.
func (ing *Ingestor) coalesce(ctx context.Context, businessID, userID, sessionID string, candidates []candidate, statuses []model.EventStatus) ([]candidate, int) {
	state := ing.stateFor(businessID, userID, sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	bucketKey := businessID + "|" + userID + "|" + sessionID
	kept := make([]candidate, 0, len(candidates))
	dropped := 0
	pending := make(map[string]*candidate) // event_name -> the kept candidate representing this burst

	for i := range candidates {
		c := candidates[i]
		interval, highFreq := coalesceIntervals[c.event.EventName]
		if !highFreq {
			kept = append(kept, c)
			statuses[c.index] = model.EventStatus{Index: c.index, Status: "accepted"}
			continue
		}

		last, seenBefore := state.lastSeen[c.event.EventName]
		if rep, inBurst := pending[c.event.EventName]; inBurst && c.event.Timestamp.Sub(rep.event.Timestamp) < interval {
			rep.event.CoalescedCount++
			dropped++
			statuses[c.index] = model.EventStatus{Index: c.index, Status: "coalesced"}
			continue
		}
		if seenBefore && c.event.Timestamp.Sub(last) < interval {
			dropped++
			statuses[c.index] = model.EventStatus{Index: c.index, Status: "coalesced"}
			continue
		}

		if allowed, err := ing.limiter.Allow(ctx, bucketKey); err == nil && !allowed {
			dropped++
			statuses[c.index] = model.EventStatus{Index: c.index, Status: "dropped", Reason: "high-frequency event rate exceeded"}
			continue
		}

		c.event.CoalescedCount = 1
		kept = append(kept, c)
		idx := len(kept) - 1
		pending[c.event.EventName] = &kept[idx]
		state.lastSeen[c.event.EventName] = c.event.Timestamp
		statuses[c.index] = model.EventStatus{Index: c.index, Status: "accepted"}
	}

	return kept, dropped
}

// applyBackpressure sheds the lowest-priority (high-frequency) events first
// when a batch exceeds the configured watermark, reporting the drop count.
func (ing *Ingestor) applyBackpressure(candidates []candidate, statuses []model.EventStatus) ([]candidate, int) {
	if len(candidates) <= ing.cfg.BackpressureWatermark {
		return candidates, 0
	}

	// Partition into low-priority (throttled set) and everything else;
	// low-priority events are dropped first.
	var highPriority, lowPriority []candidate
	for _, c := range candidates {
		if _, isThrottled := coalesceIntervals[c.event.EventName]; isThrottled {
			lowPriority = append(lowPriority, c)
		} else {
			highPriority = append(highPriority, c)
		}
	}

	budget := ing.cfg.BackpressureWatermark
	kept := make([]candidate, 0, budget)
	dropped := 0

	kept = append(kept, highPriority...)
	for _, c := range lowPriority {
		if len(kept) >= budget {
			dropped++
			statuses[c.index] = model.EventStatus{Index: c.index, Status: "dropped", Reason: "backpressure watermark exceeded"}
			continue
		}
		kept = append(kept, c)
	}

	// If even high-priority events alone exceed the watermark, trim from the
	// tail rather than fail the whole batch.
	if len(kept) > budget {
		for _, c := range kept[budget:] {
			dropped++
			statuses[c.index] = model.EventStatus{Index: c.index, Status: "dropped", Reason: "backpressure watermark exceeded"}
		}
		kept = kept[:budget]
	}

	return kept, dropped
}
