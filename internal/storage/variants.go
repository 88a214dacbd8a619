package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tanujdargan/html.ai/internal/model"
)

// GetOrInitVariant loads the variant record for key, creating it seeded with
// seedHTML if absent. Idempotent per SPEC_FULL.md §8's "idempotent
// initialization" law: calling twice in succession never grows history.
func (db *DB) GetOrInitVariant(ctx context.Context, key model.VariantKey, seedHTML string) (model.VariantRecord, error) {
	rec, err := db.getVariant(ctx, key)
	if err == nil {
		return rec, nil
	}
	if err != ErrNotFound {
		return model.VariantRecord{}, err
	}

	fresh := model.NewVariantRecord(key, seedHTML)
	if err := db.insertVariant(ctx, fresh); err != nil {
		// Lost a race with a concurrent first-touch insert: re-read instead
		// of failing, matching the idempotent-initialization law.
		rec, readErr := db.getVariant(ctx, key)
		if readErr == nil {
			return rec, nil
		}
		return model.VariantRecord{}, err
	}
	return fresh, nil
}

// GetVariant loads an existing variant record, returning ErrNotFound if the
// (business, user, component) triple has never been selected for. Unlike
// GetOrInitVariant it never creates a row — the reward path has no seed
// markup to initialize one with.
func (db *DB) GetVariant(ctx context.Context, key model.VariantKey) (model.VariantRecord, error) {
	return db.getVariant(ctx, key)
}

func (db *DB) getVariant(ctx context.Context, key model.VariantKey) (model.VariantRecord, error) {
	var rec model.VariantRecord
	var aJSON, bJSON []byte
	var lockOwner *string
	var lockUntil *time.Time

	err := db.pool.QueryRow(ctx,
		`SELECT business_id, user_id, component_id, slot_a, slot_b,
		        regen_lock_owner, regen_lock_until, updated_at
		 FROM variants WHERE business_id = $1 AND user_id = $2 AND component_id = $3`,
		key.BusinessID, key.UserID, key.ComponentID,
	).Scan(&rec.Key.BusinessID, &rec.Key.UserID, &rec.Key.ComponentID, &aJSON, &bJSON,
		&lockOwner, &lockUntil, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.VariantRecord{}, ErrNotFound
		}
		return model.VariantRecord{}, wrapUnavailable("get variant", err)
	}

	if err := json.Unmarshal(aJSON, &rec.A); err != nil {
		return model.VariantRecord{}, fmt.Errorf("storage: decode slot A: %w", err)
	}
	if err := json.Unmarshal(bJSON, &rec.B); err != nil {
		return model.VariantRecord{}, fmt.Errorf("storage: decode slot B: %w", err)
	}
	if lockOwner != nil {
		rec.RegenLockOwner = *lockOwner
	}
	if lockUntil != nil {
		rec.RegenLockUntil = *lockUntil
	}
	return rec, nil
}

func (db *DB) insertVariant(ctx context.Context, rec model.VariantRecord) error {
	aJSON, err := json.Marshal(rec.A)
	if err != nil {
		return fmt.Errorf("storage: encode slot A: %w", err)
	}
	bJSON, err := json.Marshal(rec.B)
	if err != nil {
		return fmt.Errorf("storage: encode slot B: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO variants (business_id, user_id, component_id, slot_a, slot_b, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (business_id, user_id, component_id) DO NOTHING`,
		rec.Key.BusinessID, rec.Key.UserID, rec.Key.ComponentID, aJSON, bJSON,
	)
	if err != nil {
		return wrapUnavailable("insert variant", err)
	}
	return nil
}

// CompareAndUpdateSlot applies an optimistic compare-and-set to one slot:
// the caller supplies the (score, trials) tuple it last observed, and the
// update only commits if storage still agrees. On a lost race,
// ErrConflict is returned together with the authoritative record so the
// caller can retry once per SPEC_FULL.md §4.6's "one retry, then surface
// 409" failure semantics — grounded on the teacher's ReviseDecision
// invalidate-then-insert transactional pattern, adapted to a single-row CAS.
func (db *DB) CompareAndUpdateSlot(ctx context.Context, key model.VariantKey, slot model.Slot, prevScore float64, prevTrials int64, newScore float64, newTrials int64) (model.VariantRecord, error) {
	col := "slot_a"
	if slot == model.SlotB {
		col = "slot_b"
	}

	var updated bool
	err := WithRetry(ctx, 1, 5*time.Millisecond, func() error {
		rec, err := db.getVariant(ctx, key)
		if err != nil {
			return err
		}
		cur := rec.Slot(slot)
		if cur.CurrentScore != prevScore || cur.NumberOfTrials != prevTrials {
			updated = false
			return nil
		}
		cur.CurrentScore = newScore
		cur.NumberOfTrials = newTrials
		cur.State = model.SlotActive
		payload, mErr := json.Marshal(cur)
		if mErr != nil {
			return fmt.Errorf("storage: encode slot: %w", mErr)
		}

		tag, execErr := db.pool.Exec(ctx,
			fmt.Sprintf(`UPDATE variants SET %[1]s = $4, updated_at = now()
			             WHERE business_id = $1 AND user_id = $2 AND component_id = $3
			               AND (%[1]s->>'CurrentScore')::float8 = $5
			               AND (%[1]s->>'NumberOfTrials')::bigint = $6`, col),
			key.BusinessID, key.UserID, key.ComponentID, payload, prevScore, prevTrials,
		)
		if execErr != nil {
			return execErr
		}
		updated = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return model.VariantRecord{}, wrapUnavailable("compare and update slot", err)
	}

	rec, readErr := db.getVariant(ctx, key)
	if readErr != nil {
		return model.VariantRecord{}, readErr
	}
	if !updated {
		return rec, wrapConflict("compare and update slot")
	}
	return rec, nil
}

// ReplaceVariantHtml archives the losing slot's current (html, score) into
// history and installs newHTML with score and trials reset to zero,
// releasing the regeneration lock. Grounded on the teacher's ReviseDecision:
// a single transaction invalidates/archives the old state and writes the
// new one so readers never observe a half-replaced slot.
func (db *DB) ReplaceVariantHtml(ctx context.Context, key model.VariantKey, slot model.Slot, newHTML string) (model.VariantRecord, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.VariantRecord{}, wrapUnavailable("replace variant html: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var aJSON, bJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT slot_a, slot_b FROM variants
		 WHERE business_id = $1 AND user_id = $2 AND component_id = $3 FOR UPDATE`,
		key.BusinessID, key.UserID, key.ComponentID,
	).Scan(&aJSON, &bJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.VariantRecord{}, wrapNotFound("replace variant html")
		}
		return model.VariantRecord{}, wrapUnavailable("replace variant html: select", err)
	}

	var rec model.VariantRecord
	rec.Key = key
	if err := json.Unmarshal(aJSON, &rec.A); err != nil {
		return model.VariantRecord{}, fmt.Errorf("storage: decode slot A: %w", err)
	}
	if err := json.Unmarshal(bJSON, &rec.B); err != nil {
		return model.VariantRecord{}, fmt.Errorf("storage: decode slot B: %w", err)
	}

	target := rec.Slot(slot)
	target.History = append(target.History, model.HistoryEntry{
		HTML:      target.CurrentHTML,
		Score:     target.CurrentScore,
		Timestamp: time.Now().UTC(),
	})
	target.CurrentHTML = newHTML
	target.CurrentScore = 0
	target.NumberOfTrials = 0
	target.State = model.SlotActive

	col := "slot_a"
	if slot == model.SlotB {
		col = "slot_b"
	}
	payload, err := json.Marshal(target)
	if err != nil {
		return model.VariantRecord{}, fmt.Errorf("storage: encode slot: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE variants SET %s = $4, regen_lock_owner = NULL, regen_lock_until = NULL, updated_at = now()
		             WHERE business_id = $1 AND user_id = $2 AND component_id = $3`, col),
		key.BusinessID, key.UserID, key.ComponentID, payload,
	)
	if err != nil {
		return model.VariantRecord{}, wrapUnavailable("replace variant html: update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.VariantRecord{}, wrapUnavailable("replace variant html: commit", err)
	}
	return rec, nil
}

// AcquireRegenLock sets the advisory regeneration lock for key if it is
// currently unheld or expired, so at most one regeneration runs per variant
// record at a time (SPEC_FULL.md §4.8, §5). owner is an opaque token
// identifying the worker; ttl bounds how long the lock survives a crash.
func (db *DB) AcquireRegenLock(ctx context.Context, key model.VariantKey, owner string, ttl time.Duration) (bool, error) {
	until := time.Now().Add(ttl)
	tag, err := db.pool.Exec(ctx,
		`UPDATE variants SET regen_lock_owner = $4, regen_lock_until = $5
		 WHERE business_id = $1 AND user_id = $2 AND component_id = $3
		   AND (regen_lock_owner IS NULL OR regen_lock_until < now())`,
		key.BusinessID, key.UserID, key.ComponentID, owner, until,
	)
	if err != nil {
		return false, wrapUnavailable("acquire regen lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseRegenLock clears the advisory lock unconditionally, used on
// regeneration failure so the slot returns to active immediately rather
// than waiting out the TTL (SPEC_FULL.md §4.8 "on timeout/failure... the
// regeneration lock is released").
func (db *DB) ReleaseRegenLock(ctx context.Context, key model.VariantKey) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE variants SET regen_lock_owner = NULL, regen_lock_until = NULL
		 WHERE business_id = $1 AND user_id = $2 AND component_id = $3`,
		key.BusinessID, key.UserID, key.ComponentID,
	)
	if err != nil {
		return wrapUnavailable("release regen lock", err)
	}
	return nil
}

// SweepExpiredRegenLocks clears advisory regeneration locks whose TTL has
// passed, for variants whose regeneration goroutine crashed or was killed
// before it could call ReleaseRegenLock. AcquireRegenLock already tolerates
// an expired lock on its next attempt, so this is housekeeping rather than
// a correctness requirement: it surfaces stuck locks in the count it
// returns instead of waiting for the next reward-triggered AcquireRegenLock
// (bandit ApplyReward) to silently reclaim them.
func (db *DB) SweepExpiredRegenLocks(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE variants SET regen_lock_owner = NULL, regen_lock_until = NULL
		 WHERE regen_lock_owner IS NOT NULL AND regen_lock_until < now()`,
	)
	if err != nil {
		return 0, wrapUnavailable("sweep expired regen locks", err)
	}
	return tag.RowsAffected(), nil
}

// GetVariantsByUser returns all variant records for a user (journey endpoint).
func (db *DB) GetVariantsByUser(ctx context.Context, businessID, userID string) ([]model.VariantRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT business_id, user_id, component_id, slot_a, slot_b, updated_at
		 FROM variants WHERE business_id = $1 AND user_id = $2`,
		businessID, userID,
	)
	if err != nil {
		return nil, wrapUnavailable("get variants by user", err)
	}
	defer rows.Close()

	var out []model.VariantRecord
	for rows.Next() {
		var rec model.VariantRecord
		var aJSON, bJSON []byte
		if err := rows.Scan(&rec.Key.BusinessID, &rec.Key.UserID, &rec.Key.ComponentID, &aJSON, &bJSON, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan variant: %w", err)
		}
		if err := json.Unmarshal(aJSON, &rec.A); err != nil {
			return nil, fmt.Errorf("storage: decode slot A: %w", err)
		}
		if err := json.Unmarshal(bJSON, &rec.B); err != nil {
			return nil, fmt.Errorf("storage: decode slot B: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AverageScores returns the mean current_score across all A slots and all B
// slots for a business, used by the analytics dashboard.
func (db *DB) AverageScores(ctx context.Context, businessID string) (avgA, avgB float64, err error) {
	rows, qErr := db.pool.Query(ctx, `SELECT slot_a, slot_b FROM variants WHERE business_id = $1`, businessID)
	if qErr != nil {
		return 0, 0, wrapUnavailable("average scores", qErr)
	}
	defer rows.Close()

	var sumA, sumB float64
	var n int
	for rows.Next() {
		var aJSON, bJSON []byte
		if err := rows.Scan(&aJSON, &bJSON); err != nil {
			return 0, 0, fmt.Errorf("storage: scan variant scores: %w", err)
		}
		var a, b model.VariantSlot
		_ = json.Unmarshal(aJSON, &a)
		_ = json.Unmarshal(bJSON, &b)
		sumA += a.CurrentScore
		sumB += b.CurrentScore
		n++
	}
	if n == 0 {
		return 0, 0, rows.Err()
	}
	return sumA / float64(n), sumB / float64(n), rows.Err()
}
