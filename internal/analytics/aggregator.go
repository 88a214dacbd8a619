// Package analytics computes the behavioral vector consumed by the
// Identity Classifier from a user's recent event history.
package analytics

import (
	"sort"
	"time"

	"github.com/tanujdargan/html.ai/internal/model"
)

// DefaultWindow and DefaultMaxEvents bound the aggregation per SPEC_FULL.md
// §4.4: the most recent N events within a sliding window.
const (
	DefaultWindow    = 10 * time.Minute
	DefaultMaxEvents = 50

	engagementCapMS = 60_000 // per-component attention is capped before summing
	velocityScaleS  = 30.0   // decision_velocity half-life constant
)

// Compute derives the five-component behavioral vector from events, which
// must be ordered newest-first (the order GetRecentEvents returns). now is
// passed in explicitly so the function stays pure and testable.
func Compute(events []model.Event, now time.Time) model.BehavioralVector {
	windowed := windowEvents(events, now, DefaultWindow, DefaultMaxEvents)
	if len(windowed) == 0 {
		return model.NeutralBehavioralVector()
	}

	return model.BehavioralVector{
		ExplorationScore:  explorationScore(windowed),
		HesitationScore:   hesitationScore(windowed),
		EngagementDepth:   engagementDepth(windowed),
		DecisionVelocity:  decisionVelocity(windowed),
		ContentFocusRatio: contentFocusRatio(windowed),
	}
}

func windowEvents(events []model.Event, now time.Time, window time.Duration, max int) []model.Event {
	cutoff := now.Add(-window)
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
		if len(out) >= max {
			break
		}
	}
	return out
}

// explorationScore is the ratio of distinct components viewed to total
// component-scoped events, a breadth-of-interest signal.
func explorationScore(events []model.Event) float64 {
	seen := make(map[string]struct{})
	var total int
	for _, e := range events {
		if e.ComponentID == "" {
			continue
		}
		total++
		seen[e.ComponentID] = struct{}{}
	}
	if total == 0 {
		return 0.5
	}
	return clamp01(float64(len(seen)) / float64(total))
}

// hesitationScore weights friction signals: direct hesitation/idle/scroll
// reversal events, plus hovers held two seconds or longer.
func hesitationScore(events []model.Event) float64 {
	var weighted, total float64
	for _, e := range events {
		total++
		switch e.EventName {
		case "mouse_hesitation", "mouse_idle_start", "scroll_direction_change":
			weighted++
		case "hover":
			if ms, ok := floatProp(e.Properties, "duration_ms"); ok && ms >= 2000 {
				weighted++
			}
		}
	}
	if total == 0 {
		return 0.5
	}
	return clamp01(weighted / total)
}

// engagementDepth is capped cumulative time-on-component over elapsed
// session time spanned by the window.
func engagementDepth(events []model.Event) float64 {
	var sumMS float64
	var haveTimeSignal bool
	for _, e := range events {
		if ms, ok := floatProp(e.Properties, "time_on_component"); ok {
			haveTimeSignal = true
			if ms > engagementCapMS {
				ms = engagementCapMS
			}
			sumMS += ms
		}
	}
	if !haveTimeSignal {
		return 0.5
	}
	newest := events[0].Timestamp
	oldest := events[len(events)-1].Timestamp
	elapsedMS := float64(newest.Sub(oldest).Milliseconds())
	if elapsedMS <= 0 {
		return 0.5
	}
	return clamp01(sumMS / elapsedMS)
}

// decisionVelocity is an inverse function of the median gap between a
// component_viewed event and the first subsequent conversion-signal event
// for the same component: small gaps score near 1, large or absent gaps
// decay toward 0.
func decisionVelocity(events []model.Event) float64 {
	chrono := chronological(events)

	viewedAt := make(map[string]time.Time)
	var gaps []float64
	for _, e := range chrono {
		if e.EventName == "component_viewed" && e.ComponentID != "" {
			viewedAt[e.ComponentID] = e.Timestamp
			continue
		}
		if model.IsConversionSignal(e.EventName) {
			if t, ok := viewedAt[e.ComponentID]; ok {
				gaps = append(gaps, e.Timestamp.Sub(t).Seconds())
				delete(viewedAt, e.ComponentID)
			}
		}
	}
	if len(gaps) == 0 {
		return 0.5
	}
	median := medianOf(gaps)
	if median < 0 {
		median = 0
	}
	return clamp01(velocityScaleS / (velocityScaleS + median))
}

// contentFocusRatio penalizes scroll-direction churn and tab-hidden time.
func contentFocusRatio(events []model.Event) float64 {
	var directionChanges, tabHidden, total float64
	for _, e := range events {
		total++
		if e.EventName == "scroll_direction_change" {
			directionChanges++
		}
		if hidden, ok := boolProp(e.Properties, "tab_hidden"); ok && hidden {
			tabHidden++
		}
	}
	if total == 0 {
		return 0.5
	}
	return clamp01(1 - (directionChanges/total + tabHidden/total))
}

func chronological(events []model.Event) []model.Event {
	out := make([]model.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func medianOf(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatProp(props map[string]any, key string) (float64, bool) {
	v, ok := props[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func boolProp(props map[string]any, key string) (bool, bool) {
	v, ok := props[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
