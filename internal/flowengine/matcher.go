// Package flowengine evaluates inbound/outbound content against a bot's
// triggers and drives Flow executions to completion, grounded on
// original_source/core/src/matcher.rs and flow_engine.rs.
package flowengine

import (
	"regexp"
	"strings"

	"agenticcore/internal/storage"
)

// FindMatch checks content against triggers in priority order: EXACT first,
// then CONTAINS, then STARTS_WITH, then REGEX. This mirrors
// original_source/core/src/matcher.rs's EXACT-before-CONTAINS ordering;
// STARTS_WITH and REGEX are supplemented below it since the original has no
// precedent for them. Empty or whitespace-only content never matches.
func FindMatch(content string, triggers []storage.Trigger) *storage.Trigger {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	lower := strings.ToLower(trimmed)

	for i := range triggers {
		if triggers[i].MatchType == storage.MatchTypeExact && strings.ToLower(strings.TrimSpace(triggers[i].Keyword)) == lower {
			return &triggers[i]
		}
	}
	for i := range triggers {
		if triggers[i].MatchType == storage.MatchTypeContains && strings.Contains(lower, strings.ToLower(triggers[i].Keyword)) {
			return &triggers[i]
		}
	}
	for i := range triggers {
		if triggers[i].MatchType == storage.MatchTypeStartsWith && strings.HasPrefix(lower, strings.ToLower(triggers[i].Keyword)) {
			return &triggers[i]
		}
	}
	for i := range triggers {
		if triggers[i].MatchType != storage.MatchTypeRegex {
			continue
		}
		// regexp is RE2-based: linear-time matching, immune to catastrophic
		// backtracking, so no separate timeout is needed here.
		re, err := regexp.Compile(triggers[i].Keyword)
		if err != nil {
			continue
		}
		if re.MatchString(trimmed) {
			return &triggers[i]
		}
	}
	return nil
}

// scopesFor returns the trigger scopes eligible for a message in the given
// direction, per flow_engine.rs's valid_scopes split.
func scopesFor(fromMe bool) []string {
	if fromMe {
		return []string{storage.TriggerScopeOutgoing, storage.TriggerScopeBoth}
	}
	return []string{storage.TriggerScopeIncoming, storage.TriggerScopeBoth}
}

func inScope(t storage.Trigger, scopes []string) bool {
	for _, s := range scopes {
		if t.Scope == s {
			return true
		}
	}
	return false
}

func appliesToSession(t storage.Trigger, sessionID int64) bool {
	return t.SessionID == nil || *t.SessionID == sessionID
}
