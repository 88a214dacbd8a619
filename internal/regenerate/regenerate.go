// Package regenerate calls the language model that rewrites a losing
// variant slot into a new candidate, then installs or discards the result
// per SPEC_FULL.md §4.8.
package regenerate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tanujdargan/html.ai/internal/guardrail"
	"github.com/tanujdargan/html.ai/internal/model"
)

// Store is the subset of the persistence layer the engine needs.
type Store interface {
	ReplaceVariantHtml(ctx context.Context, key model.VariantKey, slot model.Slot, newHTML string) (model.VariantRecord, error)
	ReleaseRegenLock(ctx context.Context, key model.VariantKey) error
	InsertAuditEntries(ctx context.Context, businessID, userID, requestKind string, entries []model.AuditEntry) error
}

// Job describes one regeneration request, assembled by the Decision Agent
// when a reward crosses the trigger threshold.
type Job struct {
	Key              model.VariantKey
	LosingSlot       model.Slot
	SeedHTML         string
	LosingHTML       string
	WinningHTML      string
	IdentityState    model.IdentityState
	BehavioralVector model.BehavioralVector
}

// Config tunes the engine.
type Config struct {
	Model   string
	Timeout time.Duration // wall-clock deadline for the LLM call, default 10s
}

// Engine is the Regeneration Engine. A nil client puts the engine in stub
// mode (SPEC_FULL.md §9's re-architecture of "exception-for-control-flow
// fallback" into an explicit capability check): Run then always fails fast
// and releases the lock without ever calling the model.
type Engine struct {
	client *anthropic.Client
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New constructs an Engine. Pass a nil client to run in stub mode.
func New(client *anthropic.Client, store Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Engine{client: client, store: store, cfg: cfg, logger: logger}
}

// Mode reports whether the engine has a working LLM client.
func (e *Engine) Mode() model.Mode {
	if e.client == nil {
		return model.ModeStub
	}
	return model.ModeMultiAgent
}

// NewClient constructs the underlying Anthropic client from an API key.
func NewClient(apiKey string) *anthropic.Client {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &client
}

// Run executes one regeneration job. It is meant to be launched with `go`
// by the caller immediately after the reward request that triggered it
// returns — the reward path never waits on the LLM call.
func (e *Engine) Run(ctx context.Context, job Job) {
	logger := e.logger.With("business_id", job.Key.BusinessID, "user_id", job.Key.UserID, "component_id", job.Key.ComponentID)

	newHTML, err := e.generate(ctx, job)
	if err != nil {
		logger.Warn("regeneration failed, releasing lock", "error", err)
		e.audit(job, "generate", "failed", err.Error())
		if relErr := e.store.ReleaseRegenLock(context.Background(), job.Key); relErr != nil {
			logger.Error("failed to release regen lock after regeneration failure", "error", relErr)
		}
		return
	}

	newHTML = guardrail.Reconcile(job.SeedHTML, newHTML)
	verdict := guardrail.Validate(guardrail.DefaultPolicy(), job.SeedHTML, newHTML)
	if !verdict.Approved {
		logger.Warn("regenerated html rejected by guardrail, releasing lock", "reason", verdict.Reason)
		e.audit(job, "guardrail", "rejected", verdict.Reason)
		if relErr := e.store.ReleaseRegenLock(context.Background(), job.Key); relErr != nil {
			logger.Error("failed to release regen lock after guardrail rejection", "error", relErr)
		}
		return
	}

	if _, err := e.store.ReplaceVariantHtml(context.Background(), job.Key, job.LosingSlot, newHTML); err != nil {
		logger.Error("failed to install regenerated html", "error", err)
		e.audit(job, "install", "failed", err.Error())
		if relErr := e.store.ReleaseRegenLock(context.Background(), job.Key); relErr != nil {
			logger.Error("failed to release regen lock after install failure", "error", relErr)
		}
		return
	}
	logger.Info("regeneration installed")
	e.audit(job, "install", "ok", fmt.Sprintf("slot=%s", job.LosingSlot))
}

// audit persists one regeneration outcome to the durable audit log. The
// triggering reward request has already returned by the time Run executes,
// so its own response-body audit_log is long gone — this table is the only
// record a regeneration outcome still has. Failures here are logged, not
// retried; the regeneration's own result still stands.
func (e *Engine) audit(job Job, stage, outcome, detail string) {
	entry := model.AuditEntry{Stage: stage, Outcome: outcome, Detail: detail, Timestamp: time.Now()}
	if err := e.store.InsertAuditEntries(context.Background(), job.Key.BusinessID, job.Key.UserID, "regeneration", []model.AuditEntry{entry}); err != nil {
		e.logger.Error("failed to persist regeneration audit entry", "error", err, "stage", stage)
	}
}

func (e *Engine) generate(ctx context.Context, job Job) (string, error) {
	if e.client == nil {
		return "", fmt.Errorf("regenerate: no LLM client configured (stub mode)")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	prompt := buildPrompt(job)
	message, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: "You rewrite a single HTML fragment to improve conversion, preserving every data-ai-* attribute and the outermost tag. Reply with the fragment only, no commentary."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("regenerate: llm call: %w", err)
	}

	var out string
	for _, block := range message.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	if out == "" {
		return "", fmt.Errorf("regenerate: llm returned no text content")
	}
	return out, nil
}

func buildPrompt(job Job) string {
	return fmt.Sprintf(
		"Original fragment:\n%s\n\nCurrent losing variant (underperforming, current_score lower):\n%s\n\nCurrent winning variant (for contrast, do not copy verbatim):\n%s\n\nObserved user identity state: %s\n\nRewrite the losing variant into a new candidate likely to perform better, preserving its structural skeleton and all data-ai-* markers.",
		job.SeedHTML, job.LosingHTML, job.WinningHTML, job.IdentityState,
	)
}
