package distributor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/dreamware/prefork/internal/log"
)

// Shared binds the endpoint once in the coordinator and lets every worker
// accept on a duplicate of that socket.
type Shared struct {
	addr string
	mu   sync.Mutex
	ln   *net.TCPListener
}

func NewShared(addr string) *Shared {
	return &Shared{addr: addr}
}

func (s *Shared) Mode() Mode { return ModeShared }

func (s *Shared) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Shared) Open(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = ln.Close()
		return fmt.Errorf("shared listener already open on %s", s.ln.Addr())
	}
	s.ln = ln.(*net.TCPListener)
	log.Debug(log.CatDistrib, "shared listener open", "addr", s.ln.Addr().String())
	return nil
}

func (s *Shared) Attach(workerID string) (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil, ErrNotOpen
	}
	return sharedEndpoint{parent: s}, nil
}

// Detach is a no-op: a worker that stops accepting simply stops competing.
func (s *Shared) Detach(string) {}

// Close closes the coordinator's copy. Duplicates held by workers stay open
// until those workers close them.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

func (s *Shared) dup() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil, ErrClosed
	}
	f, err := s.ln.File()
	if err != nil {
		return nil, fmt.Errorf("dup listener: %w", err)
	}
	return f, nil
}

type sharedEndpoint struct {
	parent *Shared
}

func (e sharedEndpoint) Listener() (net.Listener, error) {
	f, err := e.parent.dup()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return net.FileListener(f)
}

func (e sharedEndpoint) File() (*os.File, error) {
	return e.parent.dup()
}
