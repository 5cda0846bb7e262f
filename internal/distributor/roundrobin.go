package distributor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dreamware/prefork/internal/log"
)

// RoundRobin accepts every connection in the coordinator and hands it to
// attached workers in turn.
type RoundRobin struct {
	addr      string
	queueSize int

	mu     sync.Mutex
	ln     net.Listener
	sinks  []*sink
	next   int
	closed bool
	shed   uint64

	wg sync.WaitGroup
}

func NewRoundRobin(addr string, queueSize int) *RoundRobin {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &RoundRobin{addr: addr, queueSize: queueSize}
}

func (r *RoundRobin) Mode() Mode { return ModeRoundRobin }

func (r *RoundRobin) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		return r.ln.Addr().String()
	}
	return r.addr
}

// Open binds the endpoint and starts the accept loop.
func (r *RoundRobin) Open(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.addr, err)
	}

	r.mu.Lock()
	if r.ln != nil || r.closed {
		r.mu.Unlock()
		_ = ln.Close()
		return errors.New("roundrobin distributor already opened")
	}
	r.ln = ln
	r.mu.Unlock()

	r.wg.Add(1)
	go r.acceptLoop(ln)
	log.Debug(log.CatDistrib, "roundrobin accept loop started", "addr", ln.Addr().String())
	return nil
}

func (r *RoundRobin) acceptLoop(ln net.Listener) {
	defer r.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// Transient failures such as EMFILE: back off like net/http does.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			log.ErrorErr(log.CatDistrib, "accept failed", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		r.dispatch(conn)
	}
}

// dispatch offers conn to each worker once, starting after the last one
// served. If nobody can take it the connection is closed.
func (r *RoundRobin) dispatch(conn net.Conn) {
	r.mu.Lock()
	n := len(r.sinks)
	for i := 0; i < n; i++ {
		idx := (r.next + i) % n
		if r.sinks[idx].offer(conn) {
			r.next = (idx + 1) % n
			r.mu.Unlock()
			return
		}
	}
	r.shed++
	shed := r.shed
	r.mu.Unlock()

	_ = conn.Close()
	log.Warn(log.CatDistrib, "no worker available, connection closed", "workers", n, "shed_total", shed)
}

// Shed returns how many connections were closed because no worker could
// take them.
func (r *RoundRobin) Shed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shed
}

func (r *RoundRobin) Attach(workerID string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.ln == nil {
		return nil, ErrNotOpen
	}
	for _, s := range r.sinks {
		if s.id == workerID {
			return nil, fmt.Errorf("worker %s already attached", workerID)
		}
	}
	s := newSink(workerID, r.queueSize, r.ln.Addr())
	r.sinks = append(r.sinks, s)
	return s, nil
}

func (r *RoundRobin) Detach(workerID string) {
	r.mu.Lock()
	var removed *sink
	for i, s := range r.sinks {
		if s.id == workerID {
			removed = s
			r.sinks = append(r.sinks[:i], r.sinks[i+1:]...)
			if r.next > i {
				r.next--
			}
			if len(r.sinks) == 0 || r.next >= len(r.sinks) {
				r.next = 0
			}
			break
		}
	}
	r.mu.Unlock()

	if removed != nil {
		removed.close()
		log.Debug(log.CatDistrib, "worker detached", "worker", workerID)
	}
}

// Close stops accepting and closes every queued connection.
func (r *RoundRobin) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ln := r.ln
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	r.wg.Wait()
	for _, s := range sinks {
		s.close()
	}
	return err
}

// sink is one worker's queue of handed-off connections. It is consumed
// either by an in-process chanListener or by a forwarder that passes each
// connection over a unix socket to a child process.
type sink struct {
	id    string
	addr  net.Addr
	queue chan net.Conn
	done  chan struct{}

	// mu orders offer against close so nothing is queued after the drain.
	mu     sync.Mutex
	used   bool
	closed bool
}

func newSink(id string, size int, addr net.Addr) *sink {
	return &sink{
		id:    id,
		addr:  addr,
		queue: make(chan net.Conn, size),
		done:  make(chan struct{}),
	}
}

func (s *sink) offer(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- conn:
		return true
	default:
		return false
	}
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for {
		select {
		case c := <-s.queue:
			_ = c.Close()
		default:
			return
		}
	}
}

func (s *sink) claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return fmt.Errorf("endpoint for %s already in use", s.id)
	}
	s.used = true
	return nil
}

// Listener implements Endpoint for an in-process worker.
func (s *sink) Listener() (net.Listener, error) {
	if err := s.claim(); err != nil {
		return nil, err
	}
	return &chanListener{sink: s}, nil
}

// File implements Endpoint for a child process: it returns the child's end
// of a unix socketpair and forwards queued connections over the other end.
func (s *sink) File() (*os.File, error) {
	if err := s.claim(); err != nil {
		return nil, err
	}
	parent, child, err := socketPair(s.id)
	if err != nil {
		return nil, err
	}
	go s.forward(parent)
	return child, nil
}

func (s *sink) forward(uc *net.UnixConn) {
	defer uc.Close()
	for {
		select {
		case <-s.done:
			return
		case conn := <-s.queue:
			err := sendConn(uc, conn)
			_ = conn.Close()
			if err != nil {
				log.ErrorErr(log.CatDistrib, "handoff failed, detaching worker queue", err, "worker", s.id)
				s.close()
				return
			}
		}
	}
}

// chanListener serves connections from a sink to a worker in the same
// process.
type chanListener struct {
	sink *sink
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case <-l.sink.done:
		return nil, net.ErrClosed
	case c := <-l.sink.queue:
		return c, nil
	}
}

func (l *chanListener) Close() error {
	l.sink.close()
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return l.sink.addr
}
