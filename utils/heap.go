package utils

import "golang.org/x/exp/constraints"

// Heap is a binary min-heap of ordered values.
type Heap[T constraints.Ordered] struct {
	buf []T
}

// HeapOf builds a heap out of vals in O(n), taking ownership of the slice.
func HeapOf[T constraints.Ordered](vals []T) *Heap[T] {
	h := &Heap[T]{buf: vals}
	for i := len(vals)/2 - 1; i >= 0; i-- {
		h.down(i, len(vals))
	}
	return h
}

func (h *Heap[T]) Len() int {
	return len(h.buf)
}

func (h *Heap[T]) Push(x T) {
	h.buf = append(h.buf, x)
	h.up(len(h.buf) - 1)
}

// Peek returns the minimum without removing it; the heap must be non-empty.
func (h *Heap[T]) Peek() T {
	return h.buf[0]
}

// Pop removes and returns the minimum; the heap must be non-empty.
func (h *Heap[T]) Pop() (min T) {
	n := len(h.buf) - 1
	min = h.buf[0]
	h.buf[0] = h.buf[n]
	h.buf = h.buf[:n]
	h.down(0, n)
	return
}

func (h *Heap[T]) Reset() {
	h.buf = h.buf[:0]
}

func (h *Heap[T]) up(j int) {
	for j > 0 {
		i := (j - 1) / 2
		if !(h.buf[j] < h.buf[i]) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		j = i
	}
}

func (h *Heap[T]) down(i, n int) {
	for {
		j := 2*i + 1
		if j >= n || j < 0 {
			return
		}
		if r := j + 1; r < n && h.buf[r] < h.buf[j] {
			j = r
		}
		if !(h.buf[j] < h.buf[i]) {
			return
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		i = j
	}
}
