package util

import "sync"

// Tail keeps the last n values written to it. Writers never block and never
// allocate once the window is warm; old values fall off as new ones arrive.
// Safe for concurrent use.
type Tail[T any] struct {
	mu      sync.Mutex
	win     []T
	next    int
	wrapped bool
}

// NewTail returns a tail window holding at most n values.
func NewTail[T any](n int) *Tail[T] {
	if n < 1 {
		n = 1
	}
	return &Tail[T]{win: make([]T, n)}
}

// Add records v, evicting the oldest value when the window is full.
func (t *Tail[T]) Add(v T) {
	t.mu.Lock()
	t.win[t.next] = v
	t.next++
	if t.next == len(t.win) {
		t.next = 0
		t.wrapped = true
	}
	t.mu.Unlock()
}

// Items returns the retained values, oldest first.
func (t *Tail[T]) Items() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.wrapped {
		return append([]T(nil), t.win[:t.next]...)
	}
	out := make([]T, 0, len(t.win))
	out = append(out, t.win[t.next:]...)
	return append(out, t.win[:t.next]...)
}

// Len reports how many values are currently retained.
func (t *Tail[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wrapped {
		return len(t.win)
	}
	return t.next
}
