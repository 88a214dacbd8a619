// Package identity resolves the caller of an inbound request into a tenant
// and a (user, session) pair, minting opaque identifiers when the caller
// does not yet have one.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tanujdargan/html.ai/internal/model"
)

// Store is the subset of the persistence layer the resolver needs.
type Store interface {
	GetBusinessByAPIKey(ctx context.Context, apiKey string) (model.Business, error)
}

// Resolver implements SPEC_FULL.md §4.2.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// New constructs a Resolver.
func New(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Request carries everything a caller may have supplied about its identity.
type Request struct {
	APIKey    string
	Origin    string // value of the Origin header, if present
	UserID    string
	SessionID string
	GlobalUID string
}

// Resolved is the tuple (business, user_id, session_id, global_uid?) the
// rest of the pipeline operates on.
type Resolved struct {
	Business        model.Business
	UserID          string
	SessionID       string
	GlobalUID       string
	MintedUserID    bool
	MintedSessionID bool
}

// Resolve implements the identity resolution rules verbatim. global_uid is
// never synthesized server-side — it is accepted only when the caller
// supplies one (typically via a prior POST /sync/link).
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolved, error) {
	if req.APIKey == "" {
		return Resolved{}, fmt.Errorf("identity: missing api key: %w", model.ErrUnauthorized)
	}

	business, err := r.store.GetBusinessByAPIKey(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Resolved{}, fmt.Errorf("identity: unknown api key: %w", model.ErrUnauthorized)
		}
		return Resolved{}, err
	}

	if req.Origin != "" && !business.AllowsDomain(req.Origin) {
		return Resolved{}, fmt.Errorf("identity: origin %q not allowed for business %s: %w", req.Origin, business.BusinessID, model.ErrForbidden)
	}

	out := Resolved{
		Business:  business,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		GlobalUID: req.GlobalUID,
	}
	if out.UserID == "" {
		out.UserID = uuid.NewString()
		out.MintedUserID = true
	}
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
		out.MintedSessionID = true
	}
	return out, nil
}
