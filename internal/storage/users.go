package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tanujdargan/html.ai/internal/model"
)

// UpsertUser creates the user row on first contact or updates its last-known
// session snapshot and last-rendered HTML, grounded on the teacher's
// ResolveOrCreateAgent auto-registration pattern.
func (db *DB) UpsertUser(ctx context.Context, u model.User) error {
	sessionJSON, err := json.Marshal(u.LastSession)
	if err != nil {
		return fmt.Errorf("storage: encode last session: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO users (business_id, user_id, global_uid, last_session, last_html, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, now(), now())
		 ON CONFLICT (business_id, user_id) DO UPDATE
		   SET global_uid = COALESCE(NULLIF(EXCLUDED.global_uid, ''), users.global_uid),
		       last_session = EXCLUDED.last_session,
		       last_html = EXCLUDED.last_html,
		       updated_at = now()`,
		u.BusinessID, u.UserID, u.GlobalUID, sessionJSON, u.LastHTML,
	)
	if err != nil {
		return wrapUnavailable("upsert user", err)
	}
	return nil
}

// GetUser returns one tenant-scoped user.
func (db *DB) GetUser(ctx context.Context, businessID, userID string) (model.User, error) {
	var u model.User
	var sessionJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT business_id, user_id, COALESCE(global_uid, ''), last_session, last_html, created_at, updated_at
		 FROM users WHERE business_id = $1 AND user_id = $2`,
		businessID, userID,
	).Scan(&u.BusinessID, &u.UserID, &u.GlobalUID, &sessionJSON, &u.LastHTML, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.User{}, wrapNotFound("get user")
		}
		return model.User{}, wrapUnavailable("get user", err)
	}
	if len(sessionJSON) > 0 {
		_ = json.Unmarshal(sessionJSON, &u.LastSession)
	}
	return u, nil
}

// ListUsers returns the tenant-scoped roster, newest-updated first, for the
// admin GET /api/users/all endpoint.
func (db *DB) ListUsers(ctx context.Context, businessID string, limit int) ([]model.User, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT business_id, user_id, COALESCE(global_uid, ''), last_session, last_html, created_at, updated_at
		 FROM users WHERE business_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		businessID, limit,
	)
	if err != nil {
		return nil, wrapUnavailable("list users", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		var sessionJSON []byte
		if err := rows.Scan(&u.BusinessID, &u.UserID, &u.GlobalUID, &sessionJSON, &u.LastHTML, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		if len(sessionJSON) > 0 {
			_ = json.Unmarshal(sessionJSON, &u.LastSession)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountUsers returns the total roster size for a business.
func (db *DB) CountUsers(ctx context.Context, businessID string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx, `SELECT count(*) FROM users WHERE business_id = $1`, businessID).Scan(&n)
	if err != nil {
		return 0, wrapUnavailable("count users", err)
	}
	return n, nil
}
