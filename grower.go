package aiop

// growStep returns the growth step for a reactor of capacity maxn: align8(maxn/8 + 1).
func growStep(maxn int) int {
	return (maxn>>3 + 1 + 7) &^ 7
}

// eventBuffer is a backend-owned native buffer that grows by a fixed step up to maxn.
// It is allocated on first use.
type eventBuffer[T any] struct {
	items []T
	step  int
	maxn  int
}

func newEventBuffer[T any](maxn int) eventBuffer[T] {
	return eventBuffer[T]{step: growStep(maxn), maxn: maxn}
}

// slots returns the whole buffer, allocating it if needed.
func (b *eventBuffer[T]) slots() []T {
	if b.items == nil {
		n := b.step
		if n > b.maxn {
			n = b.maxn
		}
		b.items = make([]T, n)
	}
	return b.items
}

// len returns the current number of slots.
func (b *eventBuffer[T]) len() int {
	return len(b.items)
}

// full reports whether a native call returning n entries filled the buffer.
func (b *eventBuffer[T]) full(n int) bool {
	return n > 0 && n == len(b.items)
}

// grow adds one step of slots capped at maxn, keeping the existing contents.
// It reports whether the buffer changed size.
func (b *eventBuffer[T]) grow() bool {
	size := len(b.items) + b.step
	if size > b.maxn {
		size = b.maxn
	}
	if size <= len(b.items) {
		return false
	}
	items := make([]T, size)
	copy(items, b.items)
	b.items = items
	return true
}

// reset drops the buffer, it is reallocated on the next use.
func (b *eventBuffer[T]) reset() {
	b.items = nil
}
