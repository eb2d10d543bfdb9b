package race

import (
	"sync"
	"time"
)

// Cell is a single-assignment result slot. The first Settle wins; later
// calls are no-ops. It is safe for concurrent use.
type Cell[T any] struct {
	once   sync.Once
	done   chan struct{}
	source string
	value  T
	err    error
	at     time.Time
}

// NewCell returns an unsettled cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Settle stores the outcome if the cell is still empty and reports whether
// this call won.
func (c *Cell[T]) Settle(source string, v T, err error) bool {
	won := false
	c.once.Do(func() {
		c.source, c.value, c.err, c.at = source, v, err, time.Now()
		won = true
		close(c.done)
	})
	return won
}

// Done is closed once the cell is settled.
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether a value has been stored.
func (c *Cell[T]) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the stored outcome. It must only be called after Done is
// closed.
func (c *Cell[T]) Result() (source string, v T, err error) {
	return c.source, c.value, c.err
}

// SettledAt returns when the winning Settle happened.
func (c *Cell[T]) SettledAt() time.Time {
	return c.at
}
