package wamp

import (
	"math/rand/v2"
	"sync/atomic"
)

// ID is a WAMP identifier. Valid ids lie in [1, 2^53] so they survive a
// round trip through a JSON float.
type ID uint64

// MaxID is the largest id representable in every WAMP serializer.
const MaxID ID = 1 << 53

// GlobalID draws a random id from the global scope, used for session ids.
func GlobalID() ID {
	return ID(rand.Uint64N(uint64(MaxID))) + 1
}

// Sequence hands out ids 1, 2, 3, ... and wraps back to 1 after MaxID.
// The zero value is ready to use and safe for concurrent callers.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next id in the sequence.
func (s *Sequence) Next() ID {
	for {
		cur := s.n.Load()
		next := cur + 1
		if next > uint64(MaxID) {
			next = 1
		}
		if s.n.CompareAndSwap(cur, next) {
			return ID(next)
		}
	}
}

// Last returns the most recently issued id, or 0 if none was issued.
func (s *Sequence) Last() ID {
	return ID(s.n.Load())
}
