// Package normalize coerces untrusted categorical strings from storage and
// webhook payloads into internal enum values.
//
// External producers drift: a processor may start sending "Past_Due" where we
// persisted "PAST_DUE". Rather than crash on recoverable vocabulary drift,
// Normalize resolves a raw value through a fixed lookup order and reports
// whether the fallback was used so callers can log the drift.
//
// This layer is strictly for closed-set categorical fields (tier, status,
// access level). It is never used for money or identifiers.
package normalize

import "strings"

// Enum describes a closed value set. Canonical maps the canonical identifier
// of every member to its value; Aliases optionally maps alternate spellings
// (value-based construction) to members.
type Enum[T ~string] struct {
	// Name identifies the enum in drift logs, e.g. "subscription_status".
	Name string
	// Members is the full set of valid values.
	Members []T

	// byExact and byFolded are derived lookup indexes built on first use.
	byExact  map[string]T
	byFolded map[string]T
}

// NewEnum constructs an Enum over the given members.
func NewEnum[T ~string](name string, members ...T) *Enum[T] {
	e := &Enum[T]{
		Name:     name,
		Members:  members,
		byExact:  make(map[string]T, len(members)),
		byFolded: make(map[string]T, len(members)),
	}
	for _, m := range members {
		e.byExact[string(m)] = m
		e.byFolded[strings.ToLower(string(m))] = m
	}
	return e
}

// Result carries the resolved value together with drift metadata so callers
// can record a warning without treating a recoverable mismatch as fatal.
type Result[T ~string] struct {
	Value        T
	UsedFallback bool
	// Raw is the original input, preserved for drift logging.
	Raw string
}

// Normalize resolves raw against the enum's value set.
//
// Lookup order:
//  1. exact match on the canonical identifier
//  2. case-insensitive match
//  3. value-based construction after trimming surrounding whitespace
//  4. the provided fallback, flagged via UsedFallback
//
// Normalize never fails: an unrecognized value degrades to the fallback so
// that vocabulary drift between producer and consumer is observable instead
// of being a crash.
func (e *Enum[T]) Normalize(raw string, fallback T) Result[T] {
	if v, ok := e.byExact[raw]; ok {
		return Result[T]{Value: v, Raw: raw}
	}

	folded := strings.ToLower(raw)
	if v, ok := e.byFolded[folded]; ok {
		return Result[T]{Value: v, Raw: raw}
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed != raw {
		if v, ok := e.byExact[trimmed]; ok {
			return Result[T]{Value: v, Raw: raw}
		}
		if v, ok := e.byFolded[strings.ToLower(trimmed)]; ok {
			return Result[T]{Value: v, Raw: raw}
		}
	}

	return Result[T]{Value: fallback, UsedFallback: true, Raw: raw}
}

// Contains reports whether v is a member of the enum.
func (e *Enum[T]) Contains(v T) bool {
	_, ok := e.byExact[string(v)]
	return ok
}
