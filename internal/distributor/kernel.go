package distributor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/valyala/fasthttp/reuseport"

	"github.com/dreamware/prefork/internal/log"
)

// Kernel lets the operating system fan connections out across workers that
// each bind the same address with SO_REUSEPORT.
type Kernel struct {
	addr   string
	mu     sync.Mutex
	closed bool
}

func NewKernel(addr string) *Kernel {
	return &Kernel{addr: addr}
}

func (k *Kernel) Mode() Mode   { return ModeKernel }
func (k *Kernel) Addr() string { return k.addr }

// Open checks that the address can be bound with SO_REUSEPORT so that a
// conflicting non-reuseport owner is reported before any worker starts.
// The probe socket is closed again: a socket nobody accepts on would still
// be handed its share of connections.
func (k *Kernel) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ln, err := listenReusePort(k.addr)
	if err != nil {
		return err
	}
	_ = ln.Close()
	log.Debug(log.CatDistrib, "kernel fan-out ready", "addr", k.addr)
	return nil
}

func (k *Kernel) Attach(workerID string) (Endpoint, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	return kernelEndpoint{addr: k.addr}, nil
}

// Detach is a no-op: the kernel stops routing to a socket once it is closed.
func (k *Kernel) Detach(string) {}

func (k *Kernel) Close() error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	return nil
}

type kernelEndpoint struct {
	addr string
}

func (e kernelEndpoint) Listener() (net.Listener, error) {
	return listenReusePort(e.addr)
}

func (e kernelEndpoint) File() (*os.File, error) {
	return nil, nil
}

func listenReusePort(addr string) (net.Listener, error) {
	ln, err := reuseport.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("reuseport listen %s: %w", addr, err)
	}
	return ln, nil
}
