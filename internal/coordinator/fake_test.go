package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/dreamware/prefork/internal/channel"
	"github.com/dreamware/prefork/internal/distributor"
)

// fakeProcess is a worker the test drives by hand.
type fakeProcess struct {
	pid  int
	msgs chan channel.Notification
	done chan struct{}

	once    sync.Once
	err     error
	stopped bool
	mu      sync.Mutex
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:  pid,
		msgs: make(chan channel.Notification, 1024),
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int                              { return p.pid }
func (p *fakeProcess) Messages() <-chan channel.Notification { return p.msgs }
func (p *fakeProcess) Done() <-chan struct{}                 { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) send(cmd string) {
	p.msgs <- channel.Notification{Cmd: cmd, Worker: fmt.Sprint(p.pid), PID: p.pid}
}

// exit ends the worker's stream, then marks it exited.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.msgs)
		close(p.done)
	})
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fakeSpawner hands out fakeProcesses and can fail on a chosen spawn.
type fakeSpawner struct {
	mu     sync.Mutex
	procs  []*fakeProcess
	ids    []string
	failAt int // 1-based spawn to fail; 0 never fails

	// beforeSpawn runs ahead of the n-th (1-based) spawn.
	beforeSpawn func(n int)
}

func (s *fakeSpawner) Spawn(ctx context.Context, id string, ep distributor.Endpoint) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeSpawn != nil {
		s.beforeSpawn(len(s.ids) + 1)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failAt > 0 && len(s.ids)+1 == s.failAt {
		return nil, errors.New("fork: resource temporarily unavailable")
	}
	p := newFakeProcess(1000 + len(s.procs))
	s.procs = append(s.procs, p)
	s.ids = append(s.ids, id)
	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

// fakeDistributor records the calls the coordinator makes.
type fakeDistributor struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	attached map[string]bool
	openErr  error
}

func newFakeDistributor() *fakeDistributor {
	return &fakeDistributor{attached: make(map[string]bool)}
}

func (d *fakeDistributor) Mode() distributor.Mode { return distributor.ModeKernel }
func (d *fakeDistributor) Addr() string           { return "127.0.0.1:0" }

func (d *fakeDistributor) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.opened = true
	return nil
}

func (d *fakeDistributor) Attach(id string) (distributor.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached[id] = true
	return fakeEndpoint{}, nil
}

func (d *fakeDistributor) Detach(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attached, id)
}

func (d *fakeDistributor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDistributor) isAttached(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached[id]
}

func (d *fakeDistributor) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeEndpoint struct{}

func (fakeEndpoint) Listener() (net.Listener, error) { return nil, errors.New("fake endpoint") }
func (fakeEndpoint) File() (*os.File, error)         { return nil, nil }
