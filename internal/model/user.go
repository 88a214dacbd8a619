package model

import "time"

// GlobalUser links local (business_id, user_id) pairs belonging to the same
// real person across tenants that share a sync element. Membership only
// grows; rows are never removed.
type GlobalUser struct {
	GlobalUID    string
	BusinessUIDs []BusinessUID
	CreatedAt    time.Time
}

// BusinessUID is one (tenant, local user) pair linked under a GlobalUser.
type BusinessUID struct {
	BusinessID string
	UserID     string
}

// IdentitySession is the most recently computed behavioral snapshot for a
// user, embedded on User for fast preview/dashboard reads without
// recomputing from the event log.
type IdentitySession struct {
	SessionID          string
	IdentityState       IdentityState
	IdentityConfidence  float64
	BehavioralVector    BehavioralVector
	UpdatedAt           time.Time
}

// User is a tenant-scoped end user.
type User struct {
	BusinessID  string
	UserID      string
	GlobalUID   string // empty if not yet linked
	LastSession IdentitySession
	LastHTML    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
