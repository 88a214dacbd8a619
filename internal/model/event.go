package model

import "time"

// HighFrequencyEventNames is the set of event names the Event Ingestor
// coalesces server-side per SPEC_FULL.md §4.3. Order is not significant;
// it is a set, stored as a slice for deterministic iteration in tests.
var HighFrequencyEventNames = []string{
	"mouse_hesitation",
	"mouse_idle_start",
	"mouse_idle_end",
	"scroll_direction_change",
	"scroll_fast",
	"scroll_pause",
	"hover",
	"hover_end",
	"dead_click",
}

// IsHighFrequency reports whether name is subject to server-side coalescing.
func IsHighFrequency(name string) bool {
	for _, n := range HighFrequencyEventNames {
		if n == name {
			return true
		}
	}
	return false
}

// Event is one append-only behavioral datum.
type Event struct {
	ID            int64
	BusinessID    string
	UserID        string
	SessionID     string
	GlobalUID     string // empty if not linked
	EventName     string
	ComponentID   string // empty for page-level events
	Properties    map[string]any
	Timestamp     time.Time
	CoalescedCount int // >1 when this row represents several collapsed high-frequency events
}

// ConversionEventNames mark explicit purchase/add-to-cart intent, consumed
// by the Identity Classifier's ready_to_decide rule.
var ConversionEventNames = []string{
	"click",
	"add_to_cart",
	"checkout_started",
	"purchase",
}

// IsConversionSignal reports whether name indicates conversion intent.
func IsConversionSignal(name string) bool {
	for _, n := range ConversionEventNames {
		if n == name {
			return true
		}
	}
	return false
}
