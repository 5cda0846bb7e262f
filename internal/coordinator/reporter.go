// Package coordinator provides the worker pool's coordinating process.
// This file implements the periodic request count report.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/prefork/internal/log"
)

// Reporter emits the current request count every interval.
// The count is read, never reset.
// Thread-safe: All methods are safe for concurrent access.
type Reporter struct {
	source   func() uint64      // Reads the value to report
	sink     func(count uint64) // Emits one report
	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for shutdown
	interval time.Duration      // How often to report
	wg       sync.WaitGroup     // Wait group for graceful shutdown
	mu       sync.Mutex         // Protects reports and joining wg
	reports  int                // Number of reports emitted
}

// NewReporter creates a reporter that calls sink with source's value every
// interval.
//
// Parameters:
//   - interval: Time between reports (must be > 0)
//   - source: Function returning the value to report
//   - sink: Function emitting the report
//
// Returns:
//   - *Reporter: Configured reporter ready to start
//
// Example:
//
//	reporter := NewReporter(time.Second, counter.Value, func(n uint64) {
//	    fmt.Printf("numReqs = %d\n", n)
//	})
//	go reporter.Start(ctx)
func NewReporter(interval time.Duration, source func() uint64, sink func(count uint64)) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		interval: interval,
		source:   source,
		sink:     sink,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the report loop in the current goroutine until ctx is
// cancelled or Stop is called. The first report is emitted one interval
// after Start, even when the count is still zero.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	if ctx == nil {
		ctx = r.ctx
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Debug(log.CatPool, "reporter started", "interval", r.interval)

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// Stop cancels the report loop and waits for it to return.
func (r *Reporter) Stop() {
	r.cancel()
	// Any Start past its check has already joined wg.
	r.mu.Lock()
	r.mu.Unlock() //nolint:staticcheck // SA2001: barrier
	r.wg.Wait()
}

// Reports returns how many reports have been emitted.
func (r *Reporter) Reports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports
}

func (r *Reporter) report() {
	count := r.source()
	r.sink(count)

	r.mu.Lock()
	r.reports++
	r.mu.Unlock()
}
