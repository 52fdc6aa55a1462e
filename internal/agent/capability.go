package agent

import (
	"fmt"
	"sort"
	"strings"
)

// Capability names a skill a worker offers and a task requires.
// The built-in set is closed; free-form tags are accepted as long as they
// are well formed and some worker in the pool advertises them.
type Capability string

const (
	CapFetch   Capability = "fetch"
	CapAnalyze Capability = "analyze"
	CapWrite   Capability = "write"
	CapExec    Capability = "exec"
	CapSearch  Capability = "search"
	CapReview  Capability = "review"
)

// BuiltinCapabilities returns the closed capability enumeration.
func BuiltinCapabilities() []Capability {
	return []Capability{CapFetch, CapAnalyze, CapWrite, CapExec, CapSearch, CapReview}
}

// IsBuiltin reports whether c is part of the closed enumeration.
func (c Capability) IsBuiltin() bool {
	for _, b := range BuiltinCapabilities() {
		if c == b {
			return true
		}
	}
	return false
}

// ParseCapability normalizes s and checks that it is a valid tag:
// lowercase letters, digits, '-', '_' and '.'.
func ParseCapability(s string) (Capability, error) {
	tag := strings.ToLower(strings.TrimSpace(s))
	if tag == "" {
		return "", fmt.Errorf("empty capability")
	}
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return "", fmt.Errorf("invalid capability %q: unexpected character %q", s, r)
		}
	}
	return Capability(tag), nil
}

// ParseCapabilities parses a list of capability names.
func ParseCapabilities(names []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(names))
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set. A nil set contains nothing.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Add inserts every capability in caps.
func (s CapabilitySet) Add(caps ...Capability) {
	for _, c := range caps {
		s[c] = struct{}{}
	}
}

// Slice returns the members sorted by name.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
