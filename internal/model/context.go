package model

import (
	"encoding/json"
	"sort"
	"strings"
)

// ContextType is a sensitive page-flow tag.
type ContextType string

const (
	ContextPayment  ContextType = "payment"
	ContextCheckout ContextType = "checkout"
	ContextLogin    ContextType = "login"
)

// ContextTypes lists the known context tags.
var ContextTypes = []ContextType{ContextPayment, ContextCheckout, ContextLogin}

// ContextSet is a set of active context tags. The zero value is an empty set.
type ContextSet map[ContextType]struct{}

// NewContextSet builds a set from tags.
func NewContextSet(tags ...ContextType) ContextSet {
	s := make(ContextSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s ContextSet) Has(t ContextType) bool {
	_, ok := s[t]
	return ok
}

// Empty reports whether no context is active.
func (s ContextSet) Empty() bool {
	return len(s) == 0
}

// Union returns a new set containing both operands.
func (s ContextSet) Union(o ContextSet) ContextSet {
	out := make(ContextSet, len(s)+len(o))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range o {
		out[t] = struct{}{}
	}
	return out
}

// Equal reports whether both sets contain the same tags.
func (s ContextSet) Equal(o ContextSet) bool {
	if len(s) != len(o) {
		return false
	}
	for t := range s {
		if !o.Has(t) {
			return false
		}
	}
	return true
}

// Slice returns the tags sorted by name.
func (s ContextSet) Slice() []ContextType {
	out := make([]ContextType, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s ContextSet) String() string {
	parts := make([]string, 0, len(s))
	for _, t := range s.Slice() {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}

// MarshalJSON encodes the set as a sorted list.
func (s ContextSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON decodes a list of tags.
func (s *ContextSet) UnmarshalJSON(data []byte) error {
	var tags []ContextType
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewContextSet(tags...)
	return nil
}
