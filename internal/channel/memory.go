package channel

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/prefork/internal/log"
)

// DefaultMemoryCapacity is the buffer size used when NewMemory gets a
// non-positive capacity.
const DefaultMemoryCapacity = 1024

// Memory is an in-process channel backed by a buffered Go channel.
// When the buffer is full the notification is dropped and counted.
type Memory struct {
	ch      chan Notification
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewMemory creates a Memory channel holding up to capacity undelivered
// notifications.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{ch: make(chan Notification, capacity)}
}

// Send implements Sender. Sending on a closed channel is a silent drop.
func (m *Memory) Send(n Notification) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.ch <- n:
	default:
		if m.dropped.Add(1) == 1 {
			log.Warn(log.CatChannel, "buffer full, dropping notifications", "worker", n.Worker)
		}
	}
}

// Messages implements Receiver.
func (m *Memory) Messages() <-chan Notification {
	return m.ch
}

// Dropped returns how many notifications were discarded.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

// Close ends the stream. Buffered notifications are still delivered.
// Safe to call multiple times.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
