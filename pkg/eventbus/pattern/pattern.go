// Package pattern matches dot-segmented event types against subscription patterns.
//
// A pattern is a dot-separated list of segments. Each segment is either an
// exact token or the single-segment wildcard "*". A pattern only matches an
// event type with the same number of segments; there is no multi-level
// wildcard.
//
//	Matches("order.created", "order.*")   // true
//	Matches("order.created", "*.created") // true
//	Matches("order.created", "order")     // false
//	Matches("a.b.c.d", "a.b.*")           // false
//
// Matching is case-sensitive and has no dependencies on storage, so the same
// function routes events in every worker path.
package pattern

import (
	"errors"
	"fmt"
	"strings"
)

// Separator splits event types and patterns into segments.
const Separator = "."

// Wildcard matches exactly one segment.
const Wildcard = "*"

// Sentinel errors for validation.
var (
	// ErrEmpty indicates an empty event type or pattern.
	ErrEmpty = errors.New("empty event type")

	// ErrEmptySegment indicates a leading, trailing, or doubled separator.
	ErrEmptySegment = errors.New("empty segment")

	// ErrWildcardInType indicates a wildcard in a concrete event type.
	ErrWildcardInType = errors.New("wildcard not allowed in event type")
)

// Matches reports whether eventType matches pattern.
func Matches(eventType, pattern string) bool {
	if eventType == "" || pattern == "" {
		return false
	}

	// Walk both strings segment by segment without allocating.
	for {
		ei := strings.Index(eventType, Separator)
		pi := strings.Index(pattern, Separator)

		var eseg, pseg string
		if ei < 0 {
			eseg = eventType
		} else {
			eseg = eventType[:ei]
		}
		if pi < 0 {
			pseg = pattern
		} else {
			pseg = pattern[:pi]
		}

		if pseg != Wildcard && pseg != eseg {
			return false
		}

		switch {
		case ei < 0 && pi < 0:
			return true
		case ei < 0 || pi < 0:
			return false // segment counts differ
		}

		eventType = eventType[ei+1:]
		pattern = pattern[pi+1:]
	}
}

// Split returns the segments of an event type or pattern.
func Split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}

// Category returns the first segment of an event type.
// "order.created" has category "order"; a single-segment type is its own category.
func Category(eventType string) string {
	if i := strings.Index(eventType, Separator); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// ValidateType checks that eventType is a non-empty dot-segmented name
// with no empty segments and no wildcards.
func ValidateType(eventType string) error {
	if err := validate(eventType); err != nil {
		return err
	}
	for _, seg := range Split(eventType) {
		if seg == Wildcard {
			return fmt.Errorf("%q: %w", eventType, ErrWildcardInType)
		}
	}
	return nil
}

// ValidatePattern checks that pattern is a non-empty dot-segmented pattern.
// Segments may be exact tokens or "*".
func ValidatePattern(pattern string) error {
	return validate(pattern)
}

func validate(s string) error {
	if s == "" {
		return ErrEmpty
	}
	for _, seg := range Split(s) {
		if seg == "" {
			return fmt.Errorf("%q: %w", s, ErrEmptySegment)
		}
	}
	return nil
}
