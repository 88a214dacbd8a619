package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/tanujdargan/html.ai/internal/model"
)

// LinkGlobalUser appends a (business_id, user_id) pair to a global user's
// membership, creating the global user row if it does not yet exist.
// Membership only grows, per SPEC_FULL.md §3's GlobalUser lifecycle.
func (db *DB) LinkGlobalUser(ctx context.Context, globalUID, businessID, userID string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return wrapUnavailable("link global user: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO global_users (global_uid, created_at) VALUES ($1, now())
		 ON CONFLICT (global_uid) DO NOTHING`, globalUID)
	if err != nil {
		return wrapUnavailable("link global user: insert global_users", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO global_user_members (global_uid, business_id, user_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (global_uid, business_id, user_id) DO NOTHING`,
		globalUID, businessID, userID)
	if err != nil {
		return wrapUnavailable("link global user: insert member", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET global_uid = $3, updated_at = now()
		 WHERE business_id = $1 AND user_id = $2`,
		businessID, userID, globalUID)
	if err != nil {
		return wrapUnavailable("link global user: update user", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapUnavailable("link global user: commit", err)
	}
	return nil
}

// GetGlobalUser returns the membership set for a global user.
func (db *DB) GetGlobalUser(ctx context.Context, globalUID string) (model.GlobalUser, error) {
	var g model.GlobalUser
	g.GlobalUID = globalUID
	err := db.pool.QueryRow(ctx,
		`SELECT created_at FROM global_users WHERE global_uid = $1`, globalUID,
	).Scan(&g.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.GlobalUser{}, wrapNotFound("get global user")
		}
		return model.GlobalUser{}, wrapUnavailable("get global user", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT business_id, user_id FROM global_user_members WHERE global_uid = $1`, globalUID)
	if err != nil {
		return model.GlobalUser{}, wrapUnavailable("get global user members", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m model.BusinessUID
		if err := rows.Scan(&m.BusinessID, &m.UserID); err != nil {
			return model.GlobalUser{}, err
		}
		g.BusinessUIDs = append(g.BusinessUIDs, m)
	}
	return g, rows.Err()
}
