package model

import "errors"

// ErrKind classifies an error for the HTTP layer's status-code mapping.
// Every error that should reach a client carries one of these via errors.Is
// against the sentinels below.
type ErrKind string

const (
	ErrKindUnauthorized     ErrKind = "unauthorized"
	ErrKindForbidden        ErrKind = "forbidden"
	ErrKindQuotaExceeded    ErrKind = "quota_exceeded"
	ErrKindValidation       ErrKind = "validation"
	ErrKindNotFound         ErrKind = "not_found"
	ErrKindConflict         ErrKind = "conflict"
	ErrKindStorageUnavail   ErrKind = "storage_unavailable"
	ErrKindRateLimited      ErrKind = "rate_limited"
	ErrKindDeadlineExceeded ErrKind = "deadline_exceeded"
)

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", ErrUnauthorized)
// so errors.Is still matches through arbitrary wrapping.
var (
	ErrUnauthorized   = errors.New("model: unauthorized")
	ErrForbidden      = errors.New("model: forbidden")
	ErrQuotaExceeded  = errors.New("model: quota exceeded")
	ErrValidation     = errors.New("model: validation failed")
	ErrNotFound       = errors.New("model: not found")
	ErrConflict       = errors.New("model: conflict")
	ErrStorageDown    = errors.New("model: storage unavailable")
	ErrRateLimited    = errors.New("model: rate limited")
	ErrDeadline       = errors.New("model: deadline exceeded")
)

// KindOf maps a sentinel-wrapped error to its ErrKind. Returns ("", false)
// for errors that should never reach the client directly (callers must
// absorb those per SPEC_FULL.md §7's propagation policy).
func KindOf(err error) (ErrKind, bool) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ErrKindUnauthorized, true
	case errors.Is(err, ErrForbidden):
		return ErrKindForbidden, true
	case errors.Is(err, ErrQuotaExceeded):
		return ErrKindQuotaExceeded, true
	case errors.Is(err, ErrValidation):
		return ErrKindValidation, true
	case errors.Is(err, ErrNotFound):
		return ErrKindNotFound, true
	case errors.Is(err, ErrConflict):
		return ErrKindConflict, true
	case errors.Is(err, ErrStorageDown):
		return ErrKindStorageUnavail, true
	case errors.Is(err, ErrRateLimited):
		return ErrKindRateLimited, true
	case errors.Is(err, ErrDeadline):
		return ErrKindDeadlineExceeded, true
	default:
		return "", false
	}
}
