package coordinator

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/worker"
)

const helperEnv = "PREFORK_TEST_HELPER_WORKER"

// TestMain lets the test binary double as a worker executable for
// ProcessSpawner.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runHelperWorker(args []string) int {
	if len(args) > 0 && args[0] == "worker" {
		args = args[1:]
	}
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	id := fs.String("id", "", "")
	mode := fs.String("mode", "", "")
	addr := fs.String("addr", "", "")
	response := fs.String("response", "", "")
	notifyFD := fs.Int("notify-fd", NotifyFD, "")
	endpointFD := fs.Int("endpoint-fd", 0, "")
	_ = fs.String("log_level", "", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	err := worker.RunChild(ctx, worker.ChildOptions{
		ID:         *id,
		Response:   *response,
		Mode:       distributor.Mode(*mode),
		Addr:       *addr,
		NotifyFD:   *notifyFD,
		EndpointFD: *endpointFD,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// get issues one request with a fresh connection and returns the body.
func get(addr string) (string, error) {
	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Get("http://" + addr + "/")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(body), nil
}

// waitOnline blocks until every worker has reported online.
func waitOnline(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		handles := c.Workers().Handles()
		if len(handles) != n {
			return false
		}
		for _, h := range handles {
			if h.State() != StateRunning {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
}

func TestInProcessSpawner_ServesAndCounts(t *testing.T) {
	for _, mode := range []distributor.Mode{distributor.ModeKernel, distributor.ModeShared, distributor.ModeRoundRobin} {
		t.Run(string(mode), func(t *testing.T) {
			addr := freeAddr(t)
			d, err := distributor.New(mode, addr, distributor.Options{})
			require.NoError(t, err)

			c, err := New(Options{
				Workers:        3,
				ReportInterval: time.Hour,
				Distributor:    d,
				Spawner:        &InProcessSpawner{Response: "pong\n"},
			})
			require.NoError(t, err)
			require.NoError(t, c.Start(context.Background()))
			defer c.Stop()
			waitOnline(t, c, 3)

			const requests = 20
			for i := 0; i < requests; i++ {
				body, err := get(d.Addr())
				require.NoError(t, err)
				assert.Equal(t, "pong\n", body)
			}
			assert.Eventually(t, func() bool { return c.Count() == requests }, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestInProcessSpawner_StopEndsWorker(t *testing.T) {
	d, err := distributor.New(distributor.ModeShared, freeAddr(t), distributor.Options{})
	require.NoError(t, err)
	require.NoError(t, d.Open(context.Background()))
	defer d.Close()

	ep, err := d.Attach("worker-0")
	require.NoError(t, err)
	p, err := (&InProcessSpawner{}).Spawn(context.Background(), "worker-0", ep)
	require.NoError(t, err)

	assert.Equal(t, os.Getpid(), p.PID())
	require.NoError(t, p.Stop())

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, p.Err())
	for range p.Messages() {
	}
}

func TestInProcessSpawner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&InProcessSpawner{}).Spawn(ctx, "worker-0", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessSpawner_ServesAndCounts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process workers need unix descriptor passing")
	}
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	for _, mode := range []distributor.Mode{distributor.ModeKernel, distributor.ModeShared, distributor.ModeRoundRobin} {
		t.Run(string(mode), func(t *testing.T) {
			addr := freeAddr(t)
			d, err := distributor.New(mode, addr, distributor.Options{})
			require.NoError(t, err)

			c, err := New(Options{
				Workers:        2,
				ReportInterval: time.Hour,
				Distributor:    d,
				Spawner: &ProcessSpawner{
					Executable:  exe,
					Args:        []string{"worker"},
					Env:         []string{helperEnv + "=1"},
					Mode:        mode,
					Addr:        addr,
					Response:    "hello world\n",
					Stdout:      io.Discard,
					Stderr:      io.Discard,
					StopTimeout: 2 * time.Second,
				},
			})
			require.NoError(t, err)
			require.NoError(t, c.Start(context.Background()))
			defer c.Stop()
			waitOnline(t, c, 2)

			pids := map[int]bool{}
			for _, h := range c.Workers().Handles() {
				assert.NotEqual(t, os.Getpid(), h.PID())
				pids[h.PID()] = true
			}
			assert.Len(t, pids, 2)

			const requests = 10
			for i := 0; i < requests; i++ {
				body, err := get(addr)
				require.NoError(t, err)
				assert.Equal(t, "hello world\n", body)
			}
			assert.Eventually(t, func() bool { return c.Count() == requests }, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestProcessSpawner_KilledWorkerIsRemoved(t *testing.T) {
	if runtime.GOOS == "windows" || testing.Short() {
		t.Skip("spawns child processes")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	addr := freeAddr(t)
	d, err := distributor.New(distributor.ModeKernel, addr, distributor.Options{})
	require.NoError(t, err)

	c, err := New(Options{
		Workers:        2,
		ReportInterval: time.Hour,
		Distributor:    d,
		Spawner: &ProcessSpawner{
			Executable: exe,
			Args:       []string{"worker"},
			Env:        []string{helperEnv + "=1"},
			Mode:       distributor.ModeKernel,
			Addr:       addr,
			Stdout:     io.Discard,
			Stderr:     io.Discard,
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	waitOnline(t, c, 2)

	victim := c.Workers().Handles()[0]
	proc, err := os.FindProcess(victim.PID())
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool { return c.Workers().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, ok := c.Workers().Get(victim.ID)
	assert.False(t, ok)

	// The survivor keeps serving.
	body, err := get(addr)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", body)
	assert.Eventually(t, func() bool { return c.Count() == 1 }, 5*time.Second, 10*time.Millisecond)
}
