package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dreamware/prefork/internal/channel"
	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/worker"
)

// Process is a running worker as seen by the coordinator.
type Process interface {
	// PID is the worker's operating system process id.
	PID() int
	// Messages delivers the worker's notifications. It is closed once the
	// worker can send no more.
	Messages() <-chan channel.Notification
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Err is the exit error. Only meaningful after Done is closed.
	Err() error
	// Stop terminates the worker and waits for it to exit. In-flight
	// connections are torn down, not drained.
	Stop() error
}

// Spawner starts workers. The coordinator attaches an endpoint for each
// worker before calling Spawn.
type Spawner interface {
	Spawn(ctx context.Context, id string, ep distributor.Endpoint) (Process, error)
}

// InProcessSpawner runs each worker as a goroutine inside the coordinator.
// Workers share the coordinator's address space, so a panic in one takes
// the whole pool down; it trades isolation for start-up speed and is what
// the tests use.
type InProcessSpawner struct {
	// Response is the fixed body workers answer with.
	Response string
	// QueueSize bounds each worker's undelivered notifications.
	QueueSize int
}

func (s *InProcessSpawner) Spawn(ctx context.Context, id string, ep distributor.Endpoint) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ln, err := ep.Listener()
	if err != nil {
		return nil, fmt.Errorf("listener for %s: %w", id, err)
	}

	mem := channel.NewMemory(s.QueueSize)
	w, err := worker.New(worker.Config{
		ID:       id,
		Response: s.Response,
		Notifier: mem,
		PID:      os.Getpid(),
	})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{
		mem:    mem,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer mem.Close()
		p.setErr(w.Serve(runCtx, ln))
	}()
	return p, nil
}

type goroutineProcess struct {
	mem    *channel.Memory
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *goroutineProcess) PID() int                              { return os.Getpid() }
func (p *goroutineProcess) Messages() <-chan channel.Notification { return p.mem.Messages() }
func (p *goroutineProcess) Done() <-chan struct{}                 { return p.done }

func (p *goroutineProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *goroutineProcess) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *goroutineProcess) Stop() error {
	p.cancel()
	<-p.done
	return nil
}
