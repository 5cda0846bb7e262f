package distributor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// serveID accepts on ln and answers every connection with id.
func serveID(t *testing.T, ln net.Listener, id string) {
	t.Helper()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = io.WriteString(c, id+"\n")
			_ = c.Close()
		}
	}()
}

// ask dials addr and returns the first line it reads.
func ask(t *testing.T, addr string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "kernel", want: ModeKernel},
		{in: " Shared ", want: ModeShared},
		{in: "roundrobin", want: ModeRoundRobin},
		{in: "round-robin", want: ModeRoundRobin},
		{in: "rr", want: ModeRoundRobin},
		{in: "random", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	for _, m := range []Mode{ModeKernel, ModeShared, ModeRoundRobin} {
		d, err := New(m, "127.0.0.1:0", Options{})
		require.NoError(t, err)
		assert.Equal(t, m, d.Mode())
	}

	_, err := New("bogus", ":0", Options{})
	require.ErrorIs(t, err, ErrUnknownMode)
}

func TestInheritUnknownMode(t *testing.T) {
	_, err := Inherit("bogus", ":0", nil)
	require.ErrorIs(t, err, ErrUnknownMode)

	_, err = Inherit(ModeShared, ":0", nil)
	require.Error(t, err)
	_, err = Inherit(ModeRoundRobin, ":0", nil)
	require.Error(t, err)
}

func TestKernel_WorkersShareThePort(t *testing.T) {
	addr := freePort(t)
	k := NewKernel(addr)
	require.NoError(t, k.Open(context.Background()))
	defer k.Close()
	assert.Equal(t, addr, k.Addr())

	hits := map[string]int{}
	for _, id := range []string{"a", "b"} {
		ep, err := k.Attach(id)
		require.NoError(t, err)
		f, err := ep.File()
		require.NoError(t, err)
		assert.Nil(t, f)

		ln, err := ep.Listener()
		require.NoError(t, err)
		defer ln.Close()
		serveID(t, ln, id)
	}

	// The kernel hashes each 4-tuple; 32 fresh source ports all landing on
	// one socket is vanishingly unlikely.
	for i := 0; i < 32; i++ {
		hits[ask(t, addr)]++
	}
	assert.Len(t, hits, 2)

	require.NoError(t, k.Close())
	_, err := k.Attach("c")
	require.ErrorIs(t, err, ErrClosed)
}

func TestKernel_InheritBuildsOwnListener(t *testing.T) {
	addr := freePort(t)
	ln, err := Inherit(ModeKernel, addr, nil)
	require.NoError(t, err)
	defer ln.Close()
	serveID(t, ln, "child")

	assert.Equal(t, "child", ask(t, addr))
}

func TestShared_AttachBeforeOpen(t *testing.T) {
	s := NewShared("127.0.0.1:0")
	_, err := s.Attach("a")
	require.ErrorIs(t, err, ErrNotOpen)
	require.NoError(t, s.Close())
}

func TestShared_WorkersAcceptOnDuplicates(t *testing.T) {
	s := NewShared("127.0.0.1:0")
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	ep, err := s.Attach("a")
	require.NoError(t, err)
	ln, err := ep.Listener()
	require.NoError(t, err)
	defer ln.Close()
	serveID(t, ln, "a")

	assert.Equal(t, "a", ask(t, s.Addr()))
}

func TestShared_InheritedFileServes(t *testing.T) {
	s := NewShared("127.0.0.1:0")
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	ep, err := s.Attach("child")
	require.NoError(t, err)
	f, err := ep.File()
	require.NoError(t, err)
	require.NotNil(t, f)

	ln, err := Inherit(ModeShared, s.Addr(), f)
	require.NoError(t, err)
	defer ln.Close()
	serveID(t, ln, "child")

	assert.Equal(t, "child", ask(t, s.Addr()))
}

func TestShared_WorkerSurvivesCoordinatorCopyClose(t *testing.T) {
	s := NewShared("127.0.0.1:0")
	require.NoError(t, s.Open(context.Background()))
	addr := s.Addr()

	ep, err := s.Attach("a")
	require.NoError(t, err)
	ln, err := ep.Listener()
	require.NoError(t, err)
	defer ln.Close()
	serveID(t, ln, "a")

	require.NoError(t, s.Close())
	assert.Equal(t, "a", ask(t, addr))
}

func openRoundRobin(t *testing.T, queue int) *RoundRobin {
	t.Helper()
	r := NewRoundRobin("127.0.0.1:0", queue)
	require.NoError(t, r.Open(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRoundRobin_AttachRequiresOpen(t *testing.T) {
	r := NewRoundRobin("127.0.0.1:0", 0)
	assert.Equal(t, DefaultQueueSize, r.queueSize)
	_, err := r.Attach("a")
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestRoundRobin_AlternatesBetweenWorkers(t *testing.T) {
	r := openRoundRobin(t, 4)

	for _, id := range []string{"a", "b"} {
		ep, err := r.Attach(id)
		require.NoError(t, err)
		ln, err := ep.Listener()
		require.NoError(t, err)
		serveID(t, ln, id)
	}

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, ask(t, r.Addr()))
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestRoundRobin_DuplicateAttach(t *testing.T) {
	r := openRoundRobin(t, 4)
	_, err := r.Attach("a")
	require.NoError(t, err)
	_, err = r.Attach("a")
	require.Error(t, err)
}

func TestRoundRobin_EndpointSingleUse(t *testing.T) {
	r := openRoundRobin(t, 4)
	ep, err := r.Attach("a")
	require.NoError(t, err)
	ln, err := ep.Listener()
	require.NoError(t, err)
	defer ln.Close()

	_, err = ep.File()
	require.Error(t, err)
}

func TestRoundRobin_DetachedWorkerLeavesRotation(t *testing.T) {
	r := openRoundRobin(t, 4)

	for _, id := range []string{"a", "b", "c"} {
		ep, err := r.Attach(id)
		require.NoError(t, err)
		ln, err := ep.Listener()
		require.NoError(t, err)
		serveID(t, ln, id)
	}
	r.Detach("b")
	r.Detach("missing")

	for i := 0; i < 6; i++ {
		assert.NotEqual(t, "b", ask(t, r.Addr()))
	}
}

func TestRoundRobin_ShedsWithoutWorkers(t *testing.T) {
	r := openRoundRobin(t, 4)

	c, err := net.DialTimeout("tcp", r.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Eventually(t, func() bool { return r.Shed() == 1 }, time.Second, 10*time.Millisecond)
}

// closeCounter counts connections closed by the distributor.
type closeCounter struct {
	net.Conn
	closed *atomic.Int64
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func TestSink_QueuedConnsClosedWhenWorkerCloses(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := newSink("a", 64, nil)
		var closed atomic.Int64
		var accepted atomic.Int64

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 16; i++ {
					if s.offer(closeCounter{closed: &closed}) {
						accepted.Add(1)
					}
				}
			}()
		}
		ln := &chanListener{sink: s}
		require.NoError(t, ln.Close())
		wg.Wait()

		// Nothing reads the queue, so every accepted conn was closed by the drain.
		assert.Equal(t, accepted.Load(), closed.Load(), "round %d", round)
		assert.Empty(t, s.queue)
	}
}

func TestRoundRobin_ClosedListenerStopsAccept(t *testing.T) {
	r := openRoundRobin(t, 4)
	ep, err := r.Attach("a")
	require.NoError(t, err)
	ln, err := ep.Listener()
	require.NoError(t, err)
	assert.Equal(t, r.Addr(), ln.Addr().String())

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()
	require.NoError(t, ln.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, net.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestRoundRobin_HandoffOverUnixSocket(t *testing.T) {
	r := openRoundRobin(t, 4)

	ep, err := r.Attach("child")
	require.NoError(t, err)
	f, err := ep.File()
	require.NoError(t, err)

	ln, err := Inherit(ModeRoundRobin, r.Addr(), f)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, r.Addr(), ln.Addr().String())
	serveID(t, ln, "child")

	for i := 0; i < 3; i++ {
		assert.Equal(t, "child", ask(t, r.Addr()))
	}
}

func TestRoundRobin_HandoffEndsWhenDetached(t *testing.T) {
	r := openRoundRobin(t, 4)

	ep, err := r.Attach("child")
	require.NoError(t, err)
	f, err := ep.File()
	require.NoError(t, err)
	ln, err := Inherit(ModeRoundRobin, r.Addr(), f)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()
	r.Detach("child")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("handoff listener did not observe coordinator close")
	}
}

// TestRoundRobin_FairDispatch checks that sequential dispatch never lets two
// workers' queues differ by more than one connection.
func TestRoundRobin_FairDispatch(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(1, 6).Draw(rt, "workers")
		conns := rapid.IntRange(0, 40).Draw(rt, "conns")

		r := NewRoundRobin("127.0.0.1:0", 64)
		if err := r.Open(context.Background()); err != nil {
			rt.Fatalf("open: %v", err)
		}
		defer r.Close()

		sinks := make([]*sink, 0, workers)
		for i := 0; i < workers; i++ {
			ep, err := r.Attach("w" + strconv.Itoa(i))
			if err != nil {
				rt.Fatalf("attach: %v", err)
			}
			sinks = append(sinks, ep.(*sink))
		}

		var pipes []net.Conn
		for i := 0; i < conns; i++ {
			a, b := net.Pipe()
			pipes = append(pipes, b)
			r.dispatch(a)
		}
		defer func() {
			for _, p := range pipes {
				_ = p.Close()
			}
		}()

		minQ, maxQ, total := conns, 0, 0
		for _, s := range sinks {
			n := len(s.queue)
			total += n
			if n < minQ {
				minQ = n
			}
			if n > maxQ {
				maxQ = n
			}
		}
		if total != conns {
			rt.Fatalf("dispatched %d of %d connections", total, conns)
		}
		if maxQ-minQ > 1 {
			rt.Fatalf("unfair dispatch: min %d max %d", minQ, maxQ)
		}
	})
}
