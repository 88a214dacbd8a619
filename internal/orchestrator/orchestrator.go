// Package orchestrator sequences the Identity Resolver, Event Ingestor,
// Behavioral Aggregator, Identity Classifier, Variant Store/Bandit,
// Guardrail, and Regeneration Engine into the two request pipelines the
// HTTP surface exposes: optimize and reward.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tanujdargan/html.ai/internal/analytics"
	"github.com/tanujdargan/html.ai/internal/bandit"
	"github.com/tanujdargan/html.ai/internal/classifier"
	"github.com/tanujdargan/html.ai/internal/guardrail"
	"github.com/tanujdargan/html.ai/internal/identity"
	"github.com/tanujdargan/html.ai/internal/ingest"
	"github.com/tanujdargan/html.ai/internal/model"
	"github.com/tanujdargan/html.ai/internal/regenerate"
)

// Store is the subset of the persistence layer the orchestrator needs
// beyond what the Identity Resolver, Event Ingestor, and Bandit already
// require directly through their own narrower Store interfaces.
type Store interface {
	identity.Store
	GetRecentEvents(ctx context.Context, businessID, userID string, limit int, window time.Duration) ([]model.Event, error)
	GetEventsByUser(ctx context.Context, businessID, userID string, limit int) ([]model.Event, error)
	GetVariantsByUser(ctx context.Context, businessID, userID string) ([]model.VariantRecord, error)
	UpsertUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, businessID, userID string) (model.User, error)
	ListUsers(ctx context.Context, businessID string, limit int) ([]model.User, error)
	CountUsers(ctx context.Context, businessID string) (int64, error)
	CountEvents(ctx context.Context, businessID string) (int64, error)
	AverageScores(ctx context.Context, businessID string) (avgA, avgB float64, err error)
	LinkGlobalUser(ctx context.Context, globalUID, businessID, userID string) error
	ListAgreementsFor(ctx context.Context, businessID string) ([]model.DataSharingAgreement, error)
	InsertAuditEntries(ctx context.Context, businessID, userID, requestKind string, entries []model.AuditEntry) error
}

// Config tunes orchestrator-wide behavior.
type Config struct {
	RequestDeadline time.Duration      // soft deadline for the optimize pipeline, default 500ms
	RewardMapping   map[string]float64 // reward_type -> default scalar reward
	Version         string
}

// Orchestrator is the Request Orchestrator (SPEC_FULL.md §4.9). Every
// dependency is an explicit constructor argument, constructed once at
// startup and shared by reference — no process-wide singletons.
type Orchestrator struct {
	identity *identity.Resolver
	ingestor *ingest.Ingestor
	bandit   *bandit.Bandit
	regen    *regenerate.Engine
	store    Store
	policy   guardrail.Policy
	cfg      Config
	logger   *slog.Logger

	// background tracks detached regeneration jobs and post-response hooks
	// so Shutdown can drain them instead of abandoning an in-flight LLM
	// call mid-write when the process exits.
	background sync.WaitGroup
}

// New constructs an Orchestrator.
func New(resolver *identity.Resolver, ingestor *ingest.Ingestor, b *bandit.Bandit, regen *regenerate.Engine, store Store, policy guardrail.Policy, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 500 * time.Millisecond
	}
	if cfg.RewardMapping == nil {
		cfg.RewardMapping = map[string]float64{"click": 1.0}
	}
	return &Orchestrator{identity: resolver, ingestor: ingestor, bandit: b, regen: regen, store: store, policy: policy, cfg: cfg, logger: logger}
}

// Shutdown waits for detached regeneration jobs and post-response hooks to
// finish, up to ctx's deadline, mirroring the teacher's buffer-drain-on-
// shutdown pattern (SPEC_FULL.md §9C). A goroutine still running when ctx
// expires is abandoned rather than awaited further.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestState is the concrete per-request record carried through the
// optimize pipeline, replacing the dynamic dict state SPEC_FULL.md §9 calls
// out for re-architecture. It is owned by the orchestrator for the lifetime
// of one call and never shared across goroutines except the detached
// post-response hooks, which receive a copy of the fields they need.
type RequestState struct {
	RequestID        string
	Resolved         identity.Resolved
	BehavioralVector model.BehavioralVector
	IdentityState    model.IdentityState
	Confidence       float64
	SelectedSlot     model.Slot
	AuditLog         []model.AuditEntry
	Degraded         bool
}

func (s *RequestState) record(stage, outcome, detail string) {
	s.AuditLog = append(s.AuditLog, model.AuditEntry{
		Stage:     stage,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// Optimize implements the optimize pipeline: Identity Resolver → Event
// Ingestor (synthetic component_viewed) → Behavioral Aggregator → Identity
// Classifier → Bandit.Select → Guardrail → response.
func (o *Orchestrator) Optimize(ctx context.Context, requestID string, idReq identity.Request, req model.OptimizeRequest) (model.OptimizeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestDeadline)
	defer cancel()

	state := &RequestState{RequestID: requestID}

	resolved, err := o.identity.Resolve(ctx, idReq)
	if err != nil {
		return model.OptimizeResponse{}, err
	}
	state.Resolved = resolved
	state.record("identity_resolved", "ok", fmt.Sprintf("user_id=%s session_id=%s", resolved.UserID, resolved.SessionID))

	o.recordComponentViewed(ctx, resolved, req.ComponentID, state)

	vector := o.behavioralVector(ctx, resolved, state)
	state.BehavioralVector = vector

	recentEvents, _ := o.store.GetEventsByUser(ctx, resolved.Business.BusinessID, resolved.UserID, analytics.DefaultMaxEvents)
	identityState, confidence := classifier.Classify(vector, recentEvents, time.Now())
	state.IdentityState, state.Confidence = identityState, confidence
	state.record("identity_classified", "ok", string(identityState))

	if ctx.Err() != nil {
		return o.degradeOptimize(state, req, model.SlotA, "deadline exceeded before variant selection"), nil
	}

	key := model.VariantKey{BusinessID: resolved.Business.BusinessID, UserID: resolved.UserID, ComponentID: req.ComponentID}
	rec, slot, err := o.bandit.Select(ctx, key, req.ChangingHTML)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrDeadline) {
			return o.degradeOptimize(state, req, model.SlotA, "deadline exceeded during variant selection"), nil
		}
		if errors.Is(err, model.ErrStorageDown) {
			return o.degradeOptimize(state, req, model.SlotA, "storage unavailable during variant selection"), nil
		}
		return model.OptimizeResponse{}, err
	}
	state.SelectedSlot = slot
	state.record("variant_selected", "ok", string(slot))

	candidateHTML := rec.Slot(slot).CurrentHTML
	verdict := guardrail.Validate(o.policy, req.ChangingHTML, candidateHTML)
	finalHTML := candidateHTML
	var servedSlot model.Slot
	if verdict.Approved {
		state.record("guardrail", "approved", "")
		servedSlot = slot
	} else {
		state.record("guardrail", "rejected", verdict.Reason)
		otherHTML := rec.Slot(slot.Other()).CurrentHTML
		if otherVerdict := guardrail.Validate(o.policy, req.ChangingHTML, otherHTML); otherVerdict.Approved {
			finalHTML = otherHTML
			servedSlot = slot.Other()
		} else {
			finalHTML = req.ChangingHTML
		}
	}

	// Only a slot whose HTML actually went out earns a trial. A rejection
	// that falls all the way back to the caller's seed HTML serves neither
	// slot's content and must not move either trial counter.
	reportedSlot := slot
	if servedSlot != "" {
		if _, err := o.bandit.RecordServed(ctx, key, servedSlot); err != nil {
			state.record("trial_recorded", "degraded", err.Error())
		} else {
			state.record("trial_recorded", "ok", string(servedSlot))
		}
		reportedSlot = servedSlot
	}
	state.SelectedSlot = reportedSlot

	response := model.OptimizeResponse{
		Variant:          reportedSlot,
		ChangingHTML:     finalHTML,
		IdentityState:    identityState,
		Confidence:       confidence,
		AuditLog:         state.AuditLog,
		BehavioralVector: vector,
		Mode:             o.regen.Mode(),
	}

	o.dispatchPostResponseHooks(resolved, "optimize", state, identityState, confidence, vector, req.ChangingHTML)
	return response, nil
}

// recordComponentViewed fires the synthetic component_viewed event the
// optimize pipeline is required to emit, absorbing ingest failures into the
// audit log rather than failing the request (SPEC_FULL.md §7's propagation
// policy: ingest errors here are not authorization/quota/validation and
// must not reach the client).
func (o *Orchestrator) recordComponentViewed(ctx context.Context, resolved identity.Resolved, componentID string, state *RequestState) {
	_, err := o.ingestor.Single(ctx, resolved.Business.BusinessID, model.EventTrackRequest{
		EventName:   "component_viewed",
		ComponentID: componentID,
	}, resolved.UserID, resolved.SessionID, resolved.GlobalUID)
	if err != nil {
		state.record("component_viewed", "degraded", err.Error())
		return
	}
	state.record("component_viewed", "ok", "")
}

// behavioralVector computes the behavioral vector, falling back to the
// neutral vector and an audit entry when recent events cannot be fetched.
func (o *Orchestrator) behavioralVector(ctx context.Context, resolved identity.Resolved, state *RequestState) model.BehavioralVector {
	events, err := o.store.GetRecentEvents(ctx, resolved.Business.BusinessID, resolved.UserID, analytics.DefaultMaxEvents, analytics.DefaultWindow)
	if err != nil {
		state.record("behavioral_vector", "degraded", err.Error())
		return model.NeutralBehavioralVector()
	}
	state.record("behavioral_vector", "ok", fmt.Sprintf("%d events windowed", len(events)))
	return analytics.Compute(events, time.Now())
}

// degradeOptimize builds the graceful-degradation response SPEC_FULL.md §5
// and §7 require when a stage exceeds its budget: return the seed HTML
// under the default slot, with the audit log ending in a deadline entry.
func (o *Orchestrator) degradeOptimize(state *RequestState, req model.OptimizeRequest, fallbackSlot model.Slot, reason string) model.OptimizeResponse {
	state.Degraded = true
	state.record("degradation", "deadline_exceeded", reason)
	return model.OptimizeResponse{
		Variant:          fallbackSlot,
		ChangingHTML:     req.ChangingHTML,
		IdentityState:    model.IdentityExploratory,
		Confidence:       0.5,
		AuditLog:         state.AuditLog,
		BehavioralVector: model.NeutralBehavioralVector(),
		Mode:             o.regen.Mode(),
	}
}

// dispatchPostResponseHooks runs the audit flush and user snapshot upsert
// concurrently via errgroup, detached from the request context so they
// complete (or fail) after the response has already been written, per
// SPEC_FULL.md §9B's errgroup wiring for non-blocking post-response hooks.
func (o *Orchestrator) dispatchPostResponseHooks(resolved identity.Resolved, kind string, state *RequestState, identityState model.IdentityState, confidence float64, vector model.BehavioralVector, lastHTML string) {
	auditLog := append([]model.AuditEntry(nil), state.AuditLog...)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		g, gctx := errgroup.WithContext(context.Background())
		g.Go(func() error {
			return o.store.InsertAuditEntries(gctx, resolved.Business.BusinessID, resolved.UserID, kind, auditLog)
		})
		g.Go(func() error {
			return o.store.UpsertUser(gctx, model.User{
				BusinessID: resolved.Business.BusinessID,
				UserID:     resolved.UserID,
				GlobalUID:  resolved.GlobalUID,
				LastSession: model.IdentitySession{
					SessionID:          resolved.SessionID,
					IdentityState:      identityState,
					IdentityConfidence: confidence,
					BehavioralVector:   vector,
					UpdatedAt:          time.Now(),
				},
				LastHTML: lastHTML,
			})
		})
		if err := g.Wait(); err != nil {
			o.logger.Warn("post-response hook failed", "error", err, "business_id", resolved.Business.BusinessID, "user_id", resolved.UserID, "kind", kind)
		}
	}()
}

// Reward implements the reward pipeline: Identity Resolver → Bandit
// (update) → Regeneration (conditional, fire-and-forget).
func (o *Orchestrator) Reward(ctx context.Context, requestID string, idReq identity.Request, req model.RewardRequest) (model.RewardResponse, error) {
	resolved, err := o.identity.Resolve(ctx, idReq)
	if err != nil {
		return model.RewardResponse{}, err
	}

	reward := o.rewardValue(req)
	newScores := make(map[string]float64, len(req.Components()))
	auditLog := []model.AuditEntry{{
		Stage:     "identity_resolved",
		Outcome:   "ok",
		Detail:    fmt.Sprintf("user_id=%s", resolved.UserID),
		Timestamp: time.Now(),
	}}

	for _, componentID := range req.Components() {
		key := model.VariantKey{BusinessID: resolved.Business.BusinessID, UserID: resolved.UserID, ComponentID: componentID}
		outcome, err := o.bandit.ApplyReward(ctx, key, req.VariantAttributed, reward)
		if err != nil {
			if errors.Is(err, model.ErrConflict) {
				return model.RewardResponse{}, err
			}
			auditLog = append(auditLog, model.AuditEntry{Stage: "reward_applied", Outcome: "degraded", Detail: fmt.Sprintf("%s: %v", componentID, err), Timestamp: time.Now()})
			continue
		}
		newScores[componentID] = outcome.Record.Slot(req.VariantAttributed).CurrentScore
		auditLog = append(auditLog, model.AuditEntry{Stage: "reward_applied", Outcome: "ok", Detail: componentID, Timestamp: time.Now()})

		if outcome.RegenTriggered {
			auditLog = append(auditLog, model.AuditEntry{Stage: "regeneration_triggered", Outcome: "ok", Detail: fmt.Sprintf("%s slot=%s", componentID, outcome.RegenSlot), Timestamp: time.Now()})
			o.dispatchRegeneration(ctx, resolved, key, outcome, req.ContextHTML)
		}
	}

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.store.InsertAuditEntries(context.Background(), resolved.Business.BusinessID, resolved.UserID, "reward", auditLog); err != nil {
			o.logger.Warn("audit flush failed", "error", err, "business_id", resolved.Business.BusinessID, "user_id", resolved.UserID)
		}
	}()

	return model.RewardResponse{NewScores: newScores}, nil
}

// rewardValue resolves the effective reward per SPEC_FULL.md §9 Open
// Question decision 2: an explicit numeric reward always wins over the
// reward_type mapping.
func (o *Orchestrator) rewardValue(req model.RewardRequest) float64 {
	if req.Reward != nil {
		return *req.Reward
	}
	if req.RewardType != "" {
		if v, ok := o.cfg.RewardMapping[req.RewardType]; ok {
			return v
		}
	}
	return o.cfg.RewardMapping["click"]
}

// dispatchRegeneration launches the Regeneration Engine detached from the
// reward request, per SPEC_FULL.md §4.8: the reward request returns
// immediately after acknowledging the trigger. Identity state and
// behavioral vector come from the user's last computed snapshot (written by
// the optimize pipeline's post-response hook), defaulting to neutral when
// none exists yet.
func (o *Orchestrator) dispatchRegeneration(ctx context.Context, resolved identity.Resolved, key model.VariantKey, outcome bandit.RewardOutcome, seedHTML string) {
	winner, loser := outcome.RegenSlot.Other(), outcome.RegenSlot
	identityState := model.IdentityExploratory
	vector := model.NeutralBehavioralVector()
	if user, err := o.store.GetUser(ctx, resolved.Business.BusinessID, resolved.UserID); err == nil && user.LastSession.IdentityState != "" {
		identityState = user.LastSession.IdentityState
		vector = user.LastSession.BehavioralVector
	}
	job := regenerate.Job{
		Key:              key,
		LosingSlot:       loser,
		SeedHTML:         seedHTML,
		LosingHTML:       outcome.Record.Slot(loser).CurrentHTML,
		WinningHTML:      outcome.Record.Slot(winner).CurrentHTML,
		IdentityState:    identityState,
		BehavioralVector: vector,
	}
	if job.SeedHTML == "" {
		job.SeedHTML = job.LosingHTML
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.regen.Run(context.Background(), job)
	}()
}

// TrackEvent resolves identity, then delegates to the Event Ingestor for a
// single event.
func (o *Orchestrator) TrackEvent(ctx context.Context, idReq identity.Request, req model.EventTrackRequest) (model.EventBatchResponse, error) {
	resolved, err := o.identity.Resolve(ctx, idReq)
	if err != nil {
		return model.EventBatchResponse{}, err
	}
	result, err := o.ingestor.Single(ctx, resolved.Business.BusinessID, req, resolved.UserID, resolved.SessionID, resolved.GlobalUID)
	if err != nil {
		return model.EventBatchResponse{}, err
	}
	return model.EventBatchResponse{Accepted: result.Accepted, Dropped: result.Dropped, Statuses: result.Statuses}, nil
}

// TrackBatch resolves identity, then delegates to the Event Ingestor for a
// batch of events.
func (o *Orchestrator) TrackBatch(ctx context.Context, idReq identity.Request, req model.EventBatchRequest) (model.EventBatchResponse, error) {
	resolved, err := o.identity.Resolve(ctx, idReq)
	if err != nil {
		return model.EventBatchResponse{}, err
	}
	result, err := o.ingestor.Batch(ctx, resolved.Business.BusinessID, req, resolved.GlobalUID)
	if err != nil {
		return model.EventBatchResponse{}, err
	}
	return model.EventBatchResponse{Accepted: result.Accepted, Dropped: result.Dropped, Statuses: result.Statuses}, nil
}

// Link associates a tenant-local user_id with a cross-tenant global_uid.
func (o *Orchestrator) Link(ctx context.Context, apiKey string, req model.SyncLinkRequest) error {
	business, err := o.resolveBusiness(ctx, apiKey)
	if err != nil {
		return err
	}
	return o.store.LinkGlobalUser(ctx, req.GlobalUID, business.BusinessID, req.UserID)
}

// Roster returns the tenant-scoped user summary list for GET /api/users/all.
func (o *Orchestrator) Roster(ctx context.Context, apiKey string, limit int) ([]model.UserSummary, error) {
	business, err := o.resolveBusiness(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	users, err := o.store.ListUsers(ctx, business.BusinessID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, model.UserSummary{
			UserID:        u.UserID,
			GlobalUID:     u.GlobalUID,
			IdentityState: u.LastSession.IdentityState,
			Confidence:    u.LastSession.IdentityConfidence,
			LastSeenAt:    u.UpdatedAt,
		})
	}
	return out, nil
}

// Journey returns one user's event history and variant records for GET
// /api/user/{user_id}/journey.
func (o *Orchestrator) Journey(ctx context.Context, apiKey, userID string) (model.UserJourney, error) {
	business, err := o.resolveBusiness(ctx, apiKey)
	if err != nil {
		return model.UserJourney{}, err
	}
	events, err := o.store.GetEventsByUser(ctx, business.BusinessID, userID, analytics.DefaultMaxEvents)
	if err != nil {
		return model.UserJourney{}, err
	}
	variants, err := o.store.GetVariantsByUser(ctx, business.BusinessID, userID)
	if err != nil {
		return model.UserJourney{}, err
	}
	return model.UserJourney{UserID: userID, Events: events, Variants: variants}, nil
}

// Dashboard returns aggregated counts and scores for GET
// /api/analytics/dashboard.
func (o *Orchestrator) Dashboard(ctx context.Context, apiKey string) (model.DashboardResponse, error) {
	business, err := o.resolveBusiness(ctx, apiKey)
	if err != nil {
		return model.DashboardResponse{}, err
	}
	totalUsers, err := o.store.CountUsers(ctx, business.BusinessID)
	if err != nil {
		return model.DashboardResponse{}, err
	}
	totalEvents, err := o.store.CountEvents(ctx, business.BusinessID)
	if err != nil {
		return model.DashboardResponse{}, err
	}
	avgA, avgB, err := o.store.AverageScores(ctx, business.BusinessID)
	if err != nil {
		return model.DashboardResponse{}, err
	}
	// Agreements are advisory metadata only (SPEC_FULL.md §9 Open Question
	// decision 3); never used to widen a query's tenant scope above.
	agreements, err := o.store.ListAgreementsFor(ctx, business.BusinessID)
	if err != nil {
		agreements = nil
	}
	return model.DashboardResponse{
		TotalUsers:        totalUsers,
		TotalEvents:       totalEvents,
		MonthlyEventsUsed: business.MonthlyEventsUsed,
		MonthlyEventLimit: business.MonthlyEventLimit,
		AverageScoreA:     avgA,
		AverageScoreB:     avgB,
		Agreements:        agreements,
	}, nil
}

// Health reports the process-wide operating mode for GET /.
func (o *Orchestrator) Health() model.HealthResponse {
	return model.HealthResponse{Status: "ok", Mode: o.regen.Mode(), Version: o.cfg.Version}
}

func (o *Orchestrator) resolveBusiness(ctx context.Context, apiKey string) (model.Business, error) {
	if apiKey == "" {
		return model.Business{}, fmt.Errorf("orchestrator: missing api key: %w", model.ErrUnauthorized)
	}
	business, err := o.store.GetBusinessByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Business{}, fmt.Errorf("orchestrator: unknown api key: %w", model.ErrUnauthorized)
		}
		return model.Business{}, err
	}
	return business, nil
}
