package storage

import (
	"context"
	"fmt"

	"github.com/tanujdargan/html.ai/internal/auth"
	"github.com/tanujdargan/html.ai/internal/model"
)

// GetBusinessByAPIKey looks up a business by its plaintext api_key.
// Grounded on the teacher's GetAPIKeyByPrefixAndAgent prefix-then-hash
// pattern (internal/storage/api_keys.go): the first 8 characters narrow to
// a single candidate row before paying for a constant-time Argon2id verify,
// so a lookup never needs to verify against every stored hash.
func (db *DB) GetBusinessByAPIKey(ctx context.Context, apiKey string) (model.Business, error) {
	if len(apiKey) < 8 {
		auth.DummyVerify()
		return model.Business{}, wrapNotFound("get business by api key")
	}
	prefix := apiKey[:8]

	rows, err := db.pool.Query(ctx,
		`SELECT business_id, api_key_prefix, api_key_hash, allowed_domains, tier,
		        partner_ids, monthly_event_limit, monthly_events_used, created_at
		 FROM businesses WHERE api_key_prefix = $1`, prefix)
	if err != nil {
		return model.Business{}, wrapUnavailable("get business by api key", err)
	}
	defer rows.Close()

	var candidates []model.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return model.Business{}, fmt.Errorf("storage: scan business: %w", err)
		}
		candidates = append(candidates, b)
	}
	if err := rows.Err(); err != nil {
		return model.Business{}, wrapUnavailable("get business by api key", err)
	}

	for _, b := range candidates {
		if ok, _ := auth.VerifyAPIKey(apiKey, b.APIKeyHash); ok {
			return b, nil
		}
	}
	// Timing-attack mitigation: run a dummy verify when no prefix
	// matched, so "unknown prefix" and "prefix matched, hash mismatch"
	// take indistinguishable time.
	if len(candidates) == 0 {
		auth.DummyVerify()
	}
	return model.Business{}, wrapNotFound("get business by api key")
}

// IncrementMonthlyEvents atomically adds count to monthly_events_used,
// clamped so the column never exceeds monthly_event_limit (SPEC_FULL.md §8
// invariant 5). Returns the post-increment usage and whether the increment
// was applied in full.
func (db *DB) IncrementMonthlyEvents(ctx context.Context, businessID string, count int64) (int64, bool, error) {
	var used int64
	var applied bool
	err := db.pool.QueryRow(ctx,
		`UPDATE businesses
		 SET monthly_events_used = monthly_events_used + $2
		 WHERE business_id = $1 AND monthly_events_used + $2 <= monthly_event_limit
		 RETURNING monthly_events_used`,
		businessID, count,
	).Scan(&used)
	if err == nil {
		return used, true, nil
	}

	// No row satisfied the guard: either the business doesn't exist, or the
	// increment would exceed quota. Re-read the current value to report it.
	var current int64
	readErr := db.pool.QueryRow(ctx,
		`SELECT monthly_events_used FROM businesses WHERE business_id = $1`, businessID,
	).Scan(&current)
	if readErr != nil {
		return 0, false, wrapNotFound("increment monthly events")
	}
	return current, applied, nil
}

func scanBusiness(rows interface {
	Scan(dest ...any) error
}) (model.Business, error) {
	var b model.Business
	var domains, partners []string
	if err := rows.Scan(
		&b.BusinessID, &b.APIKeyPrefix, &b.APIKeyHash, &domains, &b.Tier,
		&partners, &b.MonthlyEventLimit, &b.MonthlyEventsUsed, &b.CreatedAt,
	); err != nil {
		return model.Business{}, err
	}
	b.AllowedDomains = domains
	b.PartnerIDs = partners
	return b, nil
}
