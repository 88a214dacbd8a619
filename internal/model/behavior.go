package model

// BehavioralVector is the five-component [0,1] summary computed by the
// Behavioral Aggregator (SPEC_FULL.md §4.4).
type BehavioralVector struct {
	ExplorationScore  float64
	HesitationScore   float64
	EngagementDepth   float64
	DecisionVelocity  float64
	ContentFocusRatio float64
}

// NeutralBehavioralVector is returned when no signal is available
// (SPEC_FULL.md §8 boundary behavior: empty event history).
func NeutralBehavioralVector() BehavioralVector {
	return BehavioralVector{
		ExplorationScore:  0.5,
		HesitationScore:   0.5,
		EngagementDepth:   0.5,
		DecisionVelocity:  0.5,
		ContentFocusRatio: 0.5,
	}
}

// IdentityState is one of the seven psychological states the Identity
// Classifier maps a BehavioralVector onto (SPEC_FULL.md §4.5).
type IdentityState string

const (
	IdentityConfident         IdentityState = "confident"
	IdentityExploratory       IdentityState = "exploratory"
	IdentityOverwhelmed       IdentityState = "overwhelmed"
	IdentityComparisonFocused IdentityState = "comparison_focused"
	IdentityReadyToDecide     IdentityState = "ready_to_decide"
	IdentityCautious          IdentityState = "cautious"
	IdentityImpulseBuyer      IdentityState = "impulse_buyer"
)

// Mode reports whether the Regeneration Engine has a working LLM client
// (multi-agent) or is running without one (stub), surfaced on the health
// endpoint and in optimize responses per SPEC_FULL.md §9's re-architecture
// of the reference implementation's exception-for-control-flow fallback.
type Mode string

const (
	ModeMultiAgent Mode = "multi-agent"
	ModeStub       Mode = "stub"
)
