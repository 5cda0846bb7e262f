package coordinator

import "sync/atomic"

// RequestCounter counts request notifications consumed by the coordinator.
// Only the coordinator increments it; readers may call Value concurrently.
type RequestCounter struct {
	n atomic.Uint64
}

// Inc records one consumed notification and returns the new total.
func (c *RequestCounter) Inc() uint64 {
	return c.n.Add(1)
}

// Value returns the current total.
func (c *RequestCounter) Value() uint64 {
	return c.n.Load()
}
