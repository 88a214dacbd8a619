// Package guardrail validates a candidate markup fragment before it is
// served to an end user: size bound, script/handler scan, required marker
// preservation, and a flagged-phrase policy list.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tanujdargan/html.ai/internal/model"
)

var (
	scriptTagPattern   = regexp.MustCompile(`(?i)<script[\s>]`)
	eventAttrPattern   = regexp.MustCompile(`(?i)\son[a-z]+\s*=`)
	dataAIMarkerPattern = regexp.MustCompile(`data-ai-[a-zA-Z0-9_-]+`)
)

// Policy configures the bounds a candidate must satisfy.
type Policy struct {
	MaxHTMLBytes    int
	AllowedEventAttrs map[string]struct{} // attribute names permitted despite matching eventAttrPattern
	FlaggedPhrases  []string
}

// DefaultPolicy matches SPEC_FULL.md §4.7's stated default size bound with
// no event-handler attributes allow-listed and no flagged phrases.
func DefaultPolicy() Policy {
	return Policy{MaxHTMLBytes: model.MaxHTMLLen}
}

// Verdict is the outcome of validating one candidate.
type Verdict struct {
	Approved bool
	Reason   string
}

// Validate checks candidateHTML against policy and against the markers
// present in seedHTML. Guardrail rejection is never an error to the caller
// — it is a Verdict the orchestrator uses to decide whether to fall back.
func Validate(policy Policy, seedHTML, candidateHTML string) Verdict {
	if len(candidateHTML) > policy.MaxHTMLBytes {
		return Verdict{Approved: false, Reason: fmt.Sprintf("exceeds %d byte size bound", policy.MaxHTMLBytes)}
	}
	if scriptTagPattern.MatchString(candidateHTML) {
		return Verdict{Approved: false, Reason: "contains a script tag"}
	}
	if attr, ok := disallowedEventAttr(policy, candidateHTML); ok {
		return Verdict{Approved: false, Reason: fmt.Sprintf("contains disallowed event-handler attribute %q", attr)}
	}
	if missing, ok := missingMarker(seedHTML, candidateHTML); ok {
		return Verdict{Approved: false, Reason: fmt.Sprintf("strips required marker %q", missing)}
	}
	if phrase, ok := flaggedPhrase(policy, candidateHTML); ok {
		return Verdict{Approved: false, Reason: fmt.Sprintf("contains flagged phrase %q", phrase)}
	}
	return Verdict{Approved: true}
}

func disallowedEventAttr(policy Policy, html string) (string, bool) {
	matches := eventAttrPattern.FindAllString(html, -1)
	for _, m := range matches {
		name := strings.TrimSpace(strings.TrimSuffix(m, "="))
		if _, allowed := policy.AllowedEventAttrs[name]; allowed {
			continue
		}
		return name, true
	}
	return "", false
}

// missingMarker returns the first data-ai-* marker present in seed but
// absent from candidate.
func missingMarker(seedHTML, candidateHTML string) (string, bool) {
	required := dataAIMarkerPattern.FindAllString(seedHTML, -1)
	present := make(map[string]struct{})
	for _, m := range dataAIMarkerPattern.FindAllString(candidateHTML, -1) {
		present[m] = struct{}{}
	}
	for _, r := range required {
		if _, ok := present[r]; !ok {
			return r, true
		}
	}
	return "", false
}

func flaggedPhrase(policy Policy, html string) (string, bool) {
	lower := strings.ToLower(html)
	for _, phrase := range policy.FlaggedPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return phrase, true
		}
	}
	return "", false
}

// Reconcile re-grafts any data-ai-* markers that candidateHTML dropped,
// appending them as attributes on candidateHTML's outermost tag so a
// regeneration can never silently lose markers the client depends on.
// It is a deterministic post-processor, not a guarantee of well-formed
// HTML beyond attribute injection on the first tag found.
func Reconcile(seedHTML, candidateHTML string) string {
	missing, ok := missingMarker(seedHTML, candidateHTML)
	if !ok {
		return candidateHTML
	}
	out := candidateHTML
	for {
		out = graftMarker(out, missing)
		missing, ok = missingMarker(seedHTML, out)
		if !ok {
			return out
		}
	}
}

func graftMarker(html, marker string) string {
	idx := strings.Index(html, ">")
	if idx < 0 {
		return html + " " + marker + `=""`
	}
	insertAt := idx
	if insertAt > 0 && html[insertAt-1] == '/' {
		insertAt--
	}
	return html[:insertAt] + " " + marker + `=""` + html[insertAt:]
}
