package session

import "fmt"

// Ref is a non-owning handle to a session. It stays comparable and safe to
// hold after the session is gone: resolving a stale Ref simply fails,
// because the slot's generation has moved on. The zero Ref never resolves.
type Ref struct {
	idx uint32
	gen uint32
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool {
	return r.gen == 0
}

func (r Ref) String() string {
	if r.IsZero() {
		return "session(none)"
	}
	return fmt.Sprintf("session(%d#%d)", r.idx, r.gen)
}
