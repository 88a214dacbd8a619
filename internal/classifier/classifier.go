// Package classifier maps a behavioral vector onto one of seven identity
// states using a fixed-priority deterministic rule table.
package classifier

import (
	"time"

	"github.com/tanujdargan/html.ai/internal/model"
)

// cautiousSessionThreshold is the minimum session span a hesitant,
// non-converting visitor must accumulate before being called cautious
// rather than merely exploratory.
const cautiousSessionThreshold = 2 * time.Minute

// confidenceFloor/confidenceCeil bound the rescaled confidence output.
const (
	confidenceFloor = 0.5
	confidenceCeil  = 0.95
	marginScale     = 0.3
)

// Classify evaluates the priority-ordered rule table (highest priority
// first): impulse_buyer > ready_to_decide > confident > overwhelmed >
// cautious > comparison_focused > exploratory. Confidence scales with how
// far the matched rule clears its own threshold, rescaled into
// [confidenceFloor, confidenceCeil].
func Classify(vec model.BehavioralVector, events []model.Event, now time.Time) (model.IdentityState, float64) {
	hasConversion := hasConversionSignal(events)
	revisits := multipleRevisits(events)
	duration := sessionDuration(events, now)

	if vec.DecisionVelocity >= 0.8 && vec.HesitationScore <= 0.2 {
		margin := min(vec.DecisionVelocity-0.8, 0.2-vec.HesitationScore)
		return model.IdentityImpulseBuyer, confidence(margin)
	}
	if vec.DecisionVelocity >= 0.6 && hasConversion {
		return model.IdentityReadyToDecide, confidence(vec.DecisionVelocity - 0.6)
	}
	if vec.DecisionVelocity >= 0.5 && vec.ExplorationScore <= 0.4 {
		margin := min(vec.DecisionVelocity-0.5, 0.4-vec.ExplorationScore)
		return model.IdentityConfident, confidence(margin)
	}
	if vec.HesitationScore > 0.5 && vec.ContentFocusRatio <= 0.5 {
		margin := min(vec.HesitationScore-0.5, 0.5-vec.ContentFocusRatio)
		return model.IdentityOverwhelmed, confidence(margin)
	}
	if vec.HesitationScore >= 0.5 && duration >= cautiousSessionThreshold && !hasConversion {
		return model.IdentityCautious, confidence(vec.HesitationScore - 0.5)
	}
	if vec.EngagementDepth >= 0.5 && revisits {
		return model.IdentityComparisonFocused, confidence(vec.EngagementDepth - 0.5)
	}
	return model.IdentityExploratory, confidenceFloor
}

func confidence(margin float64) float64 {
	if margin < 0 {
		margin = 0
	}
	scaled := margin / marginScale
	if scaled > 1 {
		scaled = 1
	}
	return confidenceFloor + scaled*(confidenceCeil-confidenceFloor)
}

func hasConversionSignal(events []model.Event) bool {
	for _, e := range events {
		if model.IsConversionSignal(e.EventName) {
			return true
		}
	}
	return false
}

// multipleRevisits reports whether any single component was viewed on two
// or more separate occasions, a comparison-shopping signal.
func multipleRevisits(events []model.Event) bool {
	views := make(map[string]int)
	for _, e := range events {
		if e.EventName == "component_viewed" && e.ComponentID != "" {
			views[e.ComponentID]++
			if views[e.ComponentID] >= 2 {
				return true
			}
		}
	}
	return false
}

func sessionDuration(events []model.Event, now time.Time) time.Duration {
	if len(events) == 0 {
		return 0
	}
	oldest, newest := events[0].Timestamp, events[0].Timestamp
	for _, e := range events {
		if e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}
	return newest.Sub(oldest)
}
