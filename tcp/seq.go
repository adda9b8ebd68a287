package tcp

// Value is a 32-bit TCP sequence/acknowledgment number. Arithmetic and
// comparisons on Value wrap modulo 2**32 per RFC 9293 §3.4.
type Value uint32

// Size is a length in the sequence space (a difference of two [Value]s).
type Size uint32

// Add returns v+sz, wrapping modulo 2**32.
func Add(v Value, sz Size) Value { return v + Value(sz) }

// Sizeof returns the signed, wrap-aware distance from a to b, i.e. the
// Size that satisfies Add(a, Sizeof(a,b)) == b.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan implements the RFC 9293 before() predicate: v comes strictly
// before other in the sequence space, accounting for wraparound.
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq is LessThan or equal.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// InWindow reports whether v lies in [nxt, nxt+wnd) in the sequence space.
// A zero window only ever contains nxt itself.
func (v Value) InWindow(nxt Value, wnd Size) bool {
	if wnd == 0 {
		return v == nxt
	}
	return Sizeof(nxt, v) < wnd
}

// UpdateForward advances *v by sz (modulo 2^32), matching the idiom used
// to bump rcv.NXT as segments are consumed. It does not check sz.
func (v *Value) UpdateForward(sz Size) {
	*v = Add(*v, sz)
}
