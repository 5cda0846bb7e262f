// Package distributor decides how connections accepted on the shared
// endpoint reach the workers.
//
// Three policies are provided:
//
//	kernel      every worker binds its own SO_REUSEPORT socket on the same
//	            address and the kernel spreads new connections across them.
//	            The coordinator owns nothing. Fairness is the kernel's hash
//	            of the 4-tuple; a slow worker keeps receiving its share.
//
//	shared      the coordinator binds once and every worker accepts on a
//	            duplicate of that socket. Whichever worker is blocked in
//	            accept first wins, so idle workers naturally take more load.
//
//	roundrobin  the coordinator accepts and hands each connection to the
//	            next worker in turn. Busy workers with a full queue are
//	            skipped; when every queue is full the connection is closed.
//
// The coordinator side is ConnectionDistributor. A worker gets its listener
// either from Endpoint.Listener (same process) or, for a child process, by
// passing Endpoint.File to the child and calling Inherit there.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Mode names a fan-out policy.
type Mode string

const (
	ModeKernel     Mode = "kernel"
	ModeShared     Mode = "shared"
	ModeRoundRobin Mode = "roundrobin"
)

var (
	ErrUnknownMode = errors.New("unknown distribution mode")
	ErrClosed      = errors.New("distributor closed")
	ErrNotOpen     = errors.New("distributor not open")
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeKernel, ModeShared, ModeRoundRobin:
		return m, nil
	case "round-robin", "rr":
		return ModeRoundRobin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// ConnectionDistributor is the coordinator-side half of a fan-out policy.
type ConnectionDistributor interface {
	Mode() Mode
	// Addr is the address clients connect to. For policies that bind in
	// Open it reflects the bound address once Open has succeeded.
	Addr() string
	// Open acquires coordinator-owned resources. Must be called once
	// before Attach.
	Open(ctx context.Context) error
	// Attach prepares the endpoint one worker accepts from.
	Attach(workerID string) (Endpoint, error)
	// Detach removes a worker. Connections queued for it are closed.
	Detach(workerID string)
	Close() error
}

// Endpoint is what a single worker accepts connections from. Call exactly
// one of Listener or File.
type Endpoint interface {
	// Listener returns a listener for a worker in this process.
	Listener() (net.Listener, error)
	// File exports the endpoint for a child process. A nil file means the
	// child builds its own listener from the address alone.
	File() (*os.File, error)
}

// Options tunes a distributor. Zero values select defaults.
type Options struct {
	// QueueSize bounds the connections waiting per worker in roundrobin mode.
	QueueSize int
}

// DefaultQueueSize is the per-worker roundrobin queue length.
const DefaultQueueSize = 128

// New builds the distributor for mode listening on addr.
func New(mode Mode, addr string, opts Options) (ConnectionDistributor, error) {
	switch mode {
	case ModeKernel:
		return NewKernel(addr), nil
	case ModeShared:
		return NewShared(addr), nil
	case ModeRoundRobin:
		return NewRoundRobin(addr, opts.QueueSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Inherit rebuilds a worker's listener inside a child process from the
// file its coordinator passed down. f may be nil in kernel mode.
// Inherit takes ownership of f.
func Inherit(mode Mode, addr string, f *os.File) (net.Listener, error) {
	switch mode {
	case ModeKernel:
		if f != nil {
			_ = f.Close()
		}
		return listenReusePort(addr)
	case ModeShared:
		if f == nil {
			return nil, errors.New("shared mode requires an inherited listener")
		}
		defer f.Close()
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("inherit listener: %w", err)
		}
		return ln, nil
	case ModeRoundRobin:
		if f == nil {
			return nil, errors.New("roundrobin mode requires an inherited handoff socket")
		}
		return newHandoffListener(f, addr)
	default:
		if f != nil {
			_ = f.Close()
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}
