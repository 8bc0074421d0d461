package subscription

import (
	"strings"

	"hookrelay.dev/internal/errs"
)

// MatchPattern reports whether an event-type pattern selects eventType.
// A pattern matches when it is "*", or exactly equals the event type, or
// is "<kind>.*" and the event type starts with "<kind>.".
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if kind, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, kind+".")
	}
	return false
}

// MatchAny reports whether any of the patterns selects eventType.
func MatchAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if MatchPattern(p, eventType) {
			return true
		}
	}
	return false
}

// ValidatePattern reports whether p is a well-formed event pattern:
// "*", "<kind>.*", or "<kind>.<leaf>". Segments must be non-empty and at
// most two segments are permitted.
func ValidatePattern(p string) error {
	if p == "*" {
		return nil
	}
	segs := strings.Split(p, ".")
	if len(segs) != 2 {
		return errs.B().Code(errs.InvalidArgument).
			Msgf("invalid event pattern %q: want *, <kind>.*, or <kind>.<operation>", p).Err()
	}
	if segs[0] == "" || segs[0] == "*" {
		return errs.B().Code(errs.InvalidArgument).
			Msgf("invalid event pattern %q: entity kind must be a non-empty name", p).Err()
	}
	if segs[1] == "" {
		return errs.B().Code(errs.InvalidArgument).
			Msgf("invalid event pattern %q: operation segment must not be empty", p).Err()
	}
	return nil
}
