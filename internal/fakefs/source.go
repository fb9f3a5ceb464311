package fakefs

import "sync/atomic"

// Source hands out the current deception tree. Reload swaps the
// pointer atomically, so sessions opened before a HUP keep their tree
// and new sessions pick up the replacement.
type Source struct {
	p atomic.Pointer[Tree]
}

// NewSource wraps an initial tree.
func NewSource(t *Tree) *Source {
	s := &Source{}
	s.p.Store(t)
	return s
}

// Tree returns the current tree.
func (s *Source) Tree() *Tree {
	return s.p.Load()
}

// Swap replaces the tree for sessions opened from now on.
func (s *Source) Swap(t *Tree) {
	s.p.Store(t)
}
