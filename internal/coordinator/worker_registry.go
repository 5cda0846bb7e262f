// Package coordinator provides the worker pool's coordinating process.
// See doc.go for complete package documentation.
package coordinator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/prefork/internal/cluster"
)

// WorkerState is the coordinator's view of a worker's lifecycle.
type WorkerState int

const (
	// StateStarting: spawned, not yet accepting.
	StateStarting WorkerState = iota
	// StateRunning: the worker reported it is online.
	StateRunning
	// StateExited: the worker's process or goroutine has ended.
	StateExited
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// WorkerHandle is the coordinator's record of one spawned worker.
//
// A handle is created on spawn and removed from the registry when the
// worker exits. It is owned by the coordinator; the Process it wraps is the
// only way the coordinator talks to, or hears from, the worker.
//
// Thread Safety:
// ID, proc and startedAt are immutable. state is guarded by mu.
type WorkerHandle struct {
	// startedAt is when the spawn succeeded.
	startedAt time.Time

	// proc is the running worker and its notification stream.
	proc Process

	// ID uniquely identifies the worker within this coordinator.
	// Format: "worker-{index}".
	ID string

	mu    sync.RWMutex
	state WorkerState
}

func newWorkerHandle(id string, proc Process) *WorkerHandle {
	return &WorkerHandle{
		ID:        id,
		proc:      proc,
		startedAt: time.Now(),
		state:     StateStarting,
	}
}

// PID returns the worker's process id.
func (h *WorkerHandle) PID() int { return h.proc.PID() }

// StartedAt returns when the worker was spawned.
func (h *WorkerHandle) StartedAt() time.Time { return h.startedAt }

// State returns the current lifecycle state.
func (h *WorkerHandle) State() WorkerState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// markRunning moves a starting worker to running. It returns false if the
// worker was not starting; an exited worker never comes back.
func (h *WorkerHandle) markRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStarting {
		return false
	}
	h.state = StateRunning
	return true
}

func (h *WorkerHandle) markExited() {
	h.mu.Lock()
	h.state = StateExited
	h.mu.Unlock()
}

// Info returns a serialisable snapshot of the handle.
func (h *WorkerHandle) Info() cluster.WorkerInfo {
	return cluster.WorkerInfo{
		ID:        h.ID,
		PID:       h.PID(),
		State:     h.State().String(),
		StartedAt: h.startedAt,
	}
}

// WorkerRegistry holds the handles of live workers.
//
// The registry is the coordinator's worker set:
//   - a handle is added once its spawn succeeds
//   - a handle is removed when the worker exits
//   - nothing else mutates membership
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - List returns copies so callers never race with updates
type WorkerRegistry struct {
	// workers maps worker IDs to their handles.
	workers map[string]*WorkerHandle

	// mu protects concurrent access to the workers map.
	mu sync.RWMutex
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*WorkerHandle),
	}
}

// Add registers h.
//
// Returns:
//   - error: if a worker with the same ID is already registered
func (r *WorkerRegistry) Add(h *WorkerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[h.ID]; exists {
		return fmt.Errorf("worker %s already registered", h.ID)
	}
	r.workers[h.ID] = h
	return nil
}

// Get returns the handle for id.
func (r *WorkerRegistry) Get(id string) (*WorkerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.workers[id]
	return h, ok
}

// Remove deletes and returns the handle for id.
// Removing an unknown worker is a no-op that returns false.
func (r *WorkerRegistry) Remove(id string) (*WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	return h, ok
}

// Len returns the number of live workers.
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Handles returns the live handles in spawn order.
func (r *WorkerRegistry) Handles() []*WorkerHandle {
	r.mu.RLock()
	out := make([]*WorkerHandle, 0, len(r.workers))
	for _, h := range r.workers {
		out = append(out, h)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *WorkerHandle) int {
		if c := a.startedAt.Compare(b.startedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// List returns snapshots of the live workers in spawn order.
func (r *WorkerRegistry) List() []cluster.WorkerInfo {
	handles := r.Handles()
	out := make([]cluster.WorkerInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	return out
}
