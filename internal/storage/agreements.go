package storage

import (
	"context"
	"encoding/json"

	"github.com/tanujdargan/html.ai/internal/model"
)

// GetAgreement returns the data-sharing agreement directed from one
// business to another, if any. Advisory-only per SPEC_FULL.md §9's Open
// Question decision: no caller widens a query's tenant scope because of
// this record, it is surfaced as metadata.
func (db *DB) GetAgreement(ctx context.Context, fromBusinessID, toBusinessID string) (model.DataSharingAgreement, bool, error) {
	var a model.DataSharingAgreement
	var permsJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT from_business_id, to_business_id, sharing_level, permissions, status, created_at
		 FROM data_sharing_agreements WHERE from_business_id = $1 AND to_business_id = $2`,
		fromBusinessID, toBusinessID,
	).Scan(&a.FromBusinessID, &a.ToBusinessID, &a.SharingLevel, &permsJSON, &a.Status, &a.CreatedAt)
	if err != nil {
		return model.DataSharingAgreement{}, false, nil
	}
	_ = json.Unmarshal(permsJSON, &a.Permissions)
	return a, true, nil
}

// ListAgreementsFor returns every agreement where businessID is the "from"
// side, for the analytics dashboard's advisory metadata section.
func (db *DB) ListAgreementsFor(ctx context.Context, businessID string) ([]model.DataSharingAgreement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT from_business_id, to_business_id, sharing_level, permissions, status, created_at
		 FROM data_sharing_agreements WHERE from_business_id = $1`, businessID)
	if err != nil {
		return nil, wrapUnavailable("list agreements", err)
	}
	defer rows.Close()

	var out []model.DataSharingAgreement
	for rows.Next() {
		var a model.DataSharingAgreement
		var permsJSON []byte
		if err := rows.Scan(&a.FromBusinessID, &a.ToBusinessID, &a.SharingLevel, &permsJSON, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(permsJSON, &a.Permissions)
		out = append(out, a)
	}
	return out, rows.Err()
}
