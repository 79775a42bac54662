package x86

// stringInterner maps string constants to dense ids starting at 0 so they
// fit in an immediate.
type stringInterner struct {
	ids map[string]int32
}

func newStringInterner() *stringInterner {
	return &stringInterner{ids: make(map[string]int32)}
}

func (s *stringInterner) idFor(v string) int32 {
	if id, ok := s.ids[v]; ok {
		return id
	}
	id := int32(len(s.ids))
	s.ids[v] = id
	return id
}

// count returns the number of distinct strings seen so far.
func (s *stringInterner) count() int { return len(s.ids) }
