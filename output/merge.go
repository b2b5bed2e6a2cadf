package output

import (
	"iter"
)

// Merge yields the elements of a and b in order. Both sequences must already be ordered by less.
// When elements compare equal, the one from a comes first, so merging keeps a stable order.
func Merge[T any](a, b iter.Seq[T], less func(x, y T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		nextA, stopA := iter.Pull(a)
		defer stopA()
		nextB, stopB := iter.Pull(b)
		defer stopB()

		va, okA := nextA()
		vb, okB := nextB()
		for okA && okB {
			if less(vb, va) {
				if !yield(vb) {
					return
				}
				vb, okB = nextB()
				continue
			}
			if !yield(va) {
				return
			}
			va, okA = nextA()
		}
		for ; okA; va, okA = nextA() {
			if !yield(va) {
				return
			}
		}
		for ; okB; vb, okB = nextB() {
			if !yield(vb) {
				return
			}
		}
	}
}
