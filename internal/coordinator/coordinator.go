package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/prefork/internal/channel"
	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/log"
)

var (
	// ErrSpawn wraps a failure to create the requested number of workers.
	ErrSpawn = errors.New("spawn failed")
	// ErrNoWorkers is returned when fewer than one worker is requested.
	ErrNoWorkers = errors.New("worker count must be at least 1")
	// ErrAlreadyStarted is returned by a second Start or Run.
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// DefaultReportInterval is used when Options.ReportInterval is zero.
const DefaultReportInterval = time.Second

// Options configures a Coordinator.
type Options struct {
	// Distributor fans connections out to workers. Required.
	Distributor distributor.ConnectionDistributor
	// Spawner creates workers. Required.
	Spawner Spawner
	// Report emits the periodic count. Defaults to printing
	// "numReqs = N" on Out.
	Report func(count uint64)
	// Out receives the default report. Defaults to os.Stdout.
	Out io.Writer
	// StatusAddr enables the status API when non-empty.
	StatusAddr string
	// Workers is N, the number of workers to spawn.
	Workers int
	// ReportInterval is the time between reports.
	ReportInterval time.Duration
}

// Coordinator owns the worker pool and the request counter.
//
// Lifecycle:
//  1. Start opens the distributor and spawns exactly N workers
//  2. one pump goroutine per worker consumes its notifications
//  3. one watcher goroutine per worker removes its handle on exit
//  4. Run adds the periodic report and optional status API
//  5. Stop terminates workers and closes the distributor
//
// Exited workers are not respawned.
type Coordinator struct {
	opts     Options
	runID    string
	counter  RequestCounter
	registry *WorkerRegistry
	reporter *Reporter

	mu       sync.Mutex
	started  bool
	stopping bool
	stopped  bool
	shutdown context.CancelFunc

	wg sync.WaitGroup
}

// New validates opts and builds a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Distributor == nil {
		return nil, errors.New("coordinator: distributor is required")
	}
	if opts.Spawner == nil {
		return nil, errors.New("coordinator: spawner is required")
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("coordinator: %w, got %d", ErrNoWorkers, opts.Workers)
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	c := &Coordinator{
		opts:     opts,
		runID:    uuid.NewString(),
		registry: NewWorkerRegistry(),
	}
	if c.opts.Report == nil {
		c.opts.Report = c.printReport
	}
	c.reporter = NewReporter(opts.ReportInterval, c.counter.Value, c.opts.Report)
	return c, nil
}

// RunID identifies this coordinator run in logs and the status API.
func (c *Coordinator) RunID() string { return c.runID }

// Count returns the number of request notifications consumed so far.
func (c *Coordinator) Count() uint64 { return c.counter.Value() }

// Workers returns the live worker registry.
func (c *Coordinator) Workers() *WorkerRegistry { return c.registry }

// Reporter returns the periodic reporter.
func (c *Coordinator) Reporter() *Reporter { return c.reporter }

// Start opens the distributor and spawns the workers. It returns once all N
// workers have been spawned. If any spawn fails, the workers spawned so far
// are stopped and an error wrapping ErrSpawn is returned. If ctx is cancelled
// while spawning, the pool is stopped and Start returns nil.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	d := c.opts.Distributor
	if err := d.Open(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info(log.CatPool, "cancelled before start", "reason", ctx.Err())
			c.Stop()
			return nil
		}
		return fmt.Errorf("%w: open %s distributor: %v", ErrSpawn, d.Mode(), err)
	}

	log.Info(log.CatPool, "coordinator started",
		"run_id", c.runID, "pid", os.Getpid(), "workers", c.opts.Workers,
		"distribution", d.Mode(), "addr", d.Addr())

	for i := 0; i < c.opts.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		if err := c.spawn(ctx, id); err != nil {
			if ctx.Err() != nil {
				log.Info(log.CatPool, "cancelled while spawning, stopping pool", "worker", id, "spawned", i)
				c.Stop()
				return nil
			}
			log.ErrorErr(log.CatPool, "spawn failed, stopping pool", err, "worker", id, "spawned", i)
			c.Stop()
			return fmt.Errorf("%w: %s: %v", ErrSpawn, id, err)
		}
	}
	return nil
}

func (c *Coordinator) spawn(ctx context.Context, id string) error {
	ep, err := c.opts.Distributor.Attach(id)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	proc, err := c.opts.Spawner.Spawn(ctx, id, ep)
	if err != nil {
		c.opts.Distributor.Detach(id)
		return err
	}

	h := newWorkerHandle(id, proc)
	if err := c.registry.Add(h); err != nil {
		_ = proc.Stop()
		c.opts.Distributor.Detach(id)
		return err
	}

	c.wg.Add(2)
	go c.pump(h)
	go c.watch(h)

	log.Info(log.CatPool, "worker spawned", "worker", id, "pid", h.PID())
	return nil
}

// pump consumes one worker's notifications until its channel closes.
func (c *Coordinator) pump(h *WorkerHandle) {
	defer c.wg.Done()
	for n := range h.proc.Messages() {
		c.handleMessage(h, n)
	}
}

func (c *Coordinator) handleMessage(h *WorkerHandle, n channel.Notification) {
	log.Debug(log.CatChannel, "message", "worker", h.ID, "msg", n)

	switch n.Cmd {
	case channel.CmdNotifyRequest:
		c.counter.Inc()
	case channel.CmdOnline:
		if h.markRunning() {
			log.Info(log.CatPool, "worker online", "worker", h.ID, "pid", h.PID())
		}
	default:
		log.Warn(log.CatChannel, "unknown message ignored", "worker", h.ID, "cmd", n.Cmd)
	}
}

// watch waits for a worker to exit and drops it from the pool.
func (c *Coordinator) watch(h *WorkerHandle) {
	defer c.wg.Done()
	<-h.proc.Done()

	h.markExited()
	c.registry.Remove(h.ID)
	c.opts.Distributor.Detach(h.ID)

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()

	err := h.proc.Err()
	switch {
	case stopping:
		log.Debug(log.CatPool, "worker stopped", "worker", h.ID, "pid", h.PID())
	case err != nil:
		log.Warn(log.CatPool, "worker died", "worker", h.ID, "pid", h.PID(), "error", err, "remaining", c.registry.Len())
	default:
		log.Warn(log.CatPool, "worker exited", "worker", h.ID, "pid", h.PID(), "remaining", c.registry.Len())
	}
}

// Run starts the pool and serves until ctx is cancelled, a shutdown is
// requested through the status API, or the status API fails. Workers are
// stopped before Run returns. A normal shutdown returns nil.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		c.Stop()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.shutdown = cancel
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		c.reporter.Start(gctx)
		return nil
	})
	if c.opts.StatusAddr != "" {
		g.Go(func() error {
			return c.serveStatus(gctx, c.opts.StatusAddr)
		})
	}

	err := g.Wait()
	c.Stop()
	return err
}

// RequestShutdown makes a running Run return. It reports whether Run was
// active.
func (c *Coordinator) RequestShutdown() bool {
	c.mu.Lock()
	cancel := c.shutdown
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	log.Info(log.CatPool, "shutdown requested")
	cancel()
	return true
}

// Stop terminates every worker, waits for their notifications to be
// consumed and closes the distributor. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.reporter.Stop()

	var wg sync.WaitGroup
	for _, h := range c.registry.Handles() {
		wg.Add(1)
		go func(h *WorkerHandle) {
			defer wg.Done()
			if err := h.proc.Stop(); err != nil {
				log.ErrorErr(log.CatPool, "stop worker", err, "worker", h.ID)
			}
		}(h)
	}
	wg.Wait()
	c.wg.Wait()

	if err := c.opts.Distributor.Close(); err != nil {
		log.ErrorErr(log.CatDistrib, "close distributor", err)
	}

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	log.Info(log.CatPool, "coordinator stopped", "run_id", c.runID, "requests", c.counter.Value())
}

func (c *Coordinator) printReport(count uint64) {
	fmt.Fprintf(c.opts.Out, "numReqs = %d\n", count)
}

func (c *Coordinator) serveStatus(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info(log.CatStatus, "status API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("status API: %w", err)
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return <-errc
}
