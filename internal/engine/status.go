package engine

import "fmt"

// Canonical task statuses, the only values ever persisted.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

// aliasToCanonical maps every caller-facing status name onto canonical
// storage form. Unknown values are rejected, never coerced.
var aliasToCanonical = map[string]string{
	"TODO":        StatusPending,
	"BACKLOG":     StatusPending,
	"IN_PROGRESS": StatusInProgress,
	"REVIEW":      StatusReview,
	"DONE":        StatusCompleted,
	"BLOCKED":     StatusBlocked,
}

// canonicalToAlias is the presentation form per canonical status. TODO
// wins over BACKLOG for pending, matching the primary alias.
var canonicalToAlias = map[string]string{
	StatusPending:    "TODO",
	StatusInProgress: "IN_PROGRESS",
	StatusReview:     "REVIEW",
	StatusCompleted:  "DONE",
	StatusBlocked:    "BLOCKED",
}

// transitions whitelists every legal from → to pair. Identical from and
// to is handled before the table is consulted and is always a no-op.
var transitions = map[string]map[string]bool{
	StatusPending:    {StatusInProgress: true, StatusReview: true, StatusCompleted: true, StatusBlocked: true},
	StatusInProgress: {StatusReview: true, StatusCompleted: true, StatusBlocked: true, StatusPending: true},
	StatusReview:     {StatusInProgress: true, StatusCompleted: true, StatusBlocked: true, StatusPending: true},
	StatusCompleted:  {StatusPending: true},
	StatusBlocked:    {StatusPending: true, StatusInProgress: true, StatusCompleted: true},
}

func init() {
	// The three tables must agree before any request is served.
	for alias, canonical := range aliasToCanonical {
		if _, ok := canonicalToAlias[canonical]; !ok {
			panic(fmt.Sprintf("status alias %s maps to unknown canonical %s", alias, canonical))
		}
	}
	for canonical, alias := range canonicalToAlias {
		if aliasToCanonical[alias] != canonical {
			panic(fmt.Sprintf("status alias table not bidirectional for %s", canonical))
		}
		if _, ok := transitions[canonical]; !ok {
			panic(fmt.Sprintf("status %s missing from transition table", canonical))
		}
	}
	for from, tos := range transitions {
		if _, ok := canonicalToAlias[from]; !ok {
			panic(fmt.Sprintf("transition table references unknown status %s", from))
		}
		for to := range tos {
			if _, ok := canonicalToAlias[to]; !ok {
				panic(fmt.Sprintf("transition %s -> %s references unknown status", from, to))
			}
		}
	}
}

// CanonicalStatus resolves a caller-facing status, accepting both
// aliases and already-canonical names.
func CanonicalStatus(v string) (string, error) {
	if _, ok := canonicalToAlias[v]; ok {
		return v, nil
	}
	if canonical, ok := aliasToCanonical[v]; ok {
		return canonical, nil
	}
	return "", UnknownStatusError{Value: v}
}

// StatusAlias returns the presentation form of a canonical status.
func StatusAlias(canonical string) string {
	if alias, ok := canonicalToAlias[canonical]; ok {
		return alias
	}
	return canonical
}

func ensureTransition(from, to string) error {
	if transitions[from][to] {
		return nil
	}
	return InvalidTransitionError{From: from, To: to}
}
