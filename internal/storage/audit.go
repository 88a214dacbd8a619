package storage

import (
	"context"

	"github.com/tanujdargan/html.ai/internal/model"
)

// InsertAuditEntries persists one request's full audit log durably, not
// just in the response body, mirroring the teacher's audit-on-every-
// mutation pattern (CreateAPIKeyWithAudit). Failures here are logged by the
// caller but never surfaced to the client — the audit trail is best-effort
// observability, not part of the request's correctness contract.
func (db *DB) InsertAuditEntries(ctx context.Context, businessID, userID, requestKind string, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := make([][]any, len(entries))
	for i, e := range entries {
		batch[i] = []any{businessID, userID, requestKind, e.Stage, e.Outcome, e.Detail, e.Timestamp}
	}
	for _, row := range batch {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO audit_log (business_id, user_id, request_kind, stage, outcome, detail, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			row...,
		)
		if err != nil {
			return wrapUnavailable("insert audit entries", err)
		}
	}
	return nil
}
