package provider

import (
	"fmt"
	"sort"
)

// Set is the collection of configured adapters, keyed by name.
type Set struct {
	adapters map[Name]Adapter
}

func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[Name]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Name()] = a
	}
	return s
}

func (s *Set) Get(n Name) (Adapter, error) {
	a, ok := s.adapters[n]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, n)
	}
	return a, nil
}

// Names returns configured provider names in sorted order.
func (s *Set) Names() []Name {
	out := make([]Name, 0, len(s.adapters))
	for n := range s.adapters {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
