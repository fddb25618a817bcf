package domain

import (
	"slices"
	"strings"
	"unique"
)

// InternedString wraps a unique.Handle[string] so that module paths repeated
// across graph edges, cache entries and job records share one allocation.
type InternedString struct {
	h unique.Handle[string]
}

// NewInternedString interns s.
func NewInternedString(s string) InternedString {
	return InternedString{h: unique.Make(s)}
}

// NewInternedStrings interns every element of s.
func NewInternedStrings(s []string) []InternedString {
	res := make([]InternedString, len(s))
	for i, v := range s {
		res[i] = NewInternedString(v)
	}
	return res
}

// String returns the underlying string value.
func (is InternedString) String() string {
	return is.h.Value()
}

// Value returns the underlying handle.
func (is InternedString) Value() unique.Handle[string] {
	return is.h
}

// IsZero reports whether the string was never interned.
func (is InternedString) IsZero() bool {
	return is == InternedString{}
}

// MarshalText implements encoding.TextMarshaler.
func (is InternedString) MarshalText() ([]byte, error) {
	if is.IsZero() {
		return []byte{}, nil
	}
	return []byte(is.h.Value()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (is *InternedString) UnmarshalText(text []byte) error {
	is.h = unique.Make(string(text))
	return nil
}

// sortedStrings flattens a handle set into a sorted string slice.
func sortedStrings(set map[InternedString]struct{}) []string {
	out := make([]string, 0, len(set))
	for is := range set {
		out = append(out, is.String())
	}
	slices.SortFunc(out, strings.Compare)
	return out
}
