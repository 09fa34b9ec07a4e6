package sequencer

import "sync/atomic"

// Sequence generates the global admission sequence.
// Every intent gets exactly one value; retries reuse it.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence creates a sequence starting after start.
// On fresh start → start = 0
// On recovery → start = highest replayed admission sequence
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.next.Store(start)
	return s
}

// Next returns the next admission sequence
func (s *Sequence) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence
func (s *Sequence) Current() uint64 {
	return s.next.Load()
}

// Reset sets the sequence to a specific value.
// Only used after replay, before any intent is admitted.
func (s *Sequence) Reset(v uint64) {
	s.next.Store(v)
}
