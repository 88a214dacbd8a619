package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tanujdargan/html.ai/internal/model"
)

// InsertEvents inserts events using the COPY protocol for high throughput,
// grounded on the teacher's COPY-based batch ingestion. Events are expected
// to already be in timestamp order within each (business_id, user_id,
// session_id) group per SPEC_FULL.md §3's append-only ordering invariant.
func (db *DB) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{
		"business_id", "user_id", "session_id", "global_uid", "event_name",
		"component_id", "properties", "occurred_at", "coalesced_count",
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.BusinessID, e.UserID, e.SessionID, nullableString(e.GlobalUID),
			e.EventName, nullableString(e.ComponentID), e.Properties,
			e.Timestamp, e.CoalescedCount,
		}
	}

	var err error
	var copied int64
	err = WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		copied, err = db.pool.CopyFrom(ctx, pgx.Identifier{"events"}, columns, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return 0, wrapUnavailable("insert events", err)
	}
	return copied, nil
}

// GetRecentEvents returns up to limit most recent events for the user within
// window, newest-first, grounded on the teacher's GetEventsByRun query shape.
func (db *DB) GetRecentEvents(ctx context.Context, businessID, userID string, limit int, window time.Duration) ([]model.Event, error) {
	since := time.Now().Add(-window)
	rows, err := db.pool.Query(ctx,
		`SELECT id, business_id, user_id, session_id, COALESCE(global_uid, ''), event_name,
		        COALESCE(component_id, ''), properties, occurred_at, coalesced_count
		 FROM events
		 WHERE business_id = $1 AND user_id = $2 AND occurred_at >= $3
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $4`,
		businessID, userID, since, limit,
	)
	if err != nil {
		return nil, wrapUnavailable("get recent events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByUser returns the full event history for a user (used by the
// journey endpoint), newest-first, capped at limit.
func (db *DB) GetEventsByUser(ctx context.Context, businessID, userID string, limit int) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, business_id, user_id, session_id, COALESCE(global_uid, ''), event_name,
		        COALESCE(component_id, ''), properties, occurred_at, coalesced_count
		 FROM events
		 WHERE business_id = $1 AND user_id = $2
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $3`,
		businessID, userID, limit,
	)
	if err != nil {
		return nil, wrapUnavailable("get events by user", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the total number of events recorded for a business,
// used by the analytics dashboard.
func (db *DB) CountEvents(ctx context.Context, businessID string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx, `SELECT count(*) FROM events WHERE business_id = $1`, businessID).Scan(&n)
	if err != nil {
		return 0, wrapUnavailable("count events", err)
	}
	return n, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(
			&e.ID, &e.BusinessID, &e.UserID, &e.SessionID, &e.GlobalUID, &e.EventName,
			&e.ComponentID, &e.Properties, &e.Timestamp, &e.CoalescedCount,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
