package engine

import (
	"fmt"
	"strings"
)

// ScopeSegment locates one fan-out hop: the forEach parent and the item
// index the execution belongs to.
type ScopeSegment struct {
	Check string
	Index int
}

// ScopePath identifies a per-item execution under zero or more nested
// forEach parents. The empty path is the root scope.
//
// Scope identity is by value: two paths with the same segments denote the
// same scope. Journal entries and run counters key on ScopePath.Key().
type ScopePath []ScopeSegment

// Root is the empty scope.
var Root = ScopePath(nil)

// Child returns the path extended by one fan-out hop.
func (s ScopePath) Child(check string, index int) ScopePath {
	child := make(ScopePath, len(s), len(s)+1)
	copy(child, s)
	return append(child, ScopeSegment{Check: check, Index: index})
}

// Key returns the canonical string form, e.g. "list[0]/item[2]".
// The root scope is the empty string.
func (s ScopePath) Key() string {
	if len(s) == 0 {
		return ""
	}
	parts := make([]string, len(s))
	for i, seg := range s {
		parts[i] = fmt.Sprintf("%s[%d]", seg.Check, seg.Index)
	}
	return strings.Join(parts, "/")
}

// Chain returns the scope keys from most specific to root, used by the
// journal view to resolve the longest-prefix fallback: exact scope first,
// then each ancestor, ending with "".
func (s ScopePath) Chain() []string {
	chain := make([]string, 0, len(s)+1)
	for i := len(s); i >= 0; i-- {
		chain = append(chain, s[:i].Key())
	}
	return chain
}

// IsRoot reports whether the path is the root scope.
func (s ScopePath) IsRoot() bool { return len(s) == 0 }
