package utils

import "sync"

type node[T any] struct {
	data T
	next *node[T]
}

// Deque is a thread-safe FIFO queue used for breadth-first walks over
// the namespace tree.
//
// Example:
//
//	queue := Deque[int]{}
//	queue.PushBack(10)
//	val := queue.PopFront()
type Deque[T any] struct {
	mu     sync.Mutex
	head   *node[T]
	tail   *node[T]
	length int64
}

func (qs *Deque[T]) Length() int64 {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.length
}

func (qs *Deque[T]) PushBack(v T) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	n := &node[T]{data: v}
	if qs.tail == nil {
		qs.head, qs.tail = n, n
	} else {
		qs.tail.next = n
		qs.tail = n
	}
	qs.length++
}

// PopFront removes and returns the head element, or the zero value when
// the queue is empty.
func (qs *Deque[T]) PopFront() T {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	var zero T
	if qs.head == nil {
		return zero
	}
	n := qs.head
	qs.head = n.next
	if qs.head == nil {
		qs.tail = nil
	}
	n.next = nil
	qs.length--
	return n.data
}

func (qs *Deque[T]) IsEmpty() bool {
	return qs.Length() == 0
}
