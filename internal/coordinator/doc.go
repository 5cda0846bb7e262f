// Package coordinator implements the coordinating side of a prefork HTTP
// worker pool: it spawns a fixed set of workers that all serve the same
// listening address, consumes their request notifications, and reports the
// running total at a fixed interval.
//
// # Overview
//
// The coordinator never serves HTTP on the pool address itself. It owns the
// listening socket (or arranges for the kernel to own it), starts exactly N
// workers, and is the only writer of the request counter. Workers tell the
// coordinator about every response they send over a fire-and-forget
// notification channel; the coordinator never replies.
//
// # Architecture
//
//	                   clients
//	                      │
//	         ┌────────────┴────────────┐
//	         │  ConnectionDistributor  │  kernel | shared | roundrobin
//	         └──┬─────────┬─────────┬──┘
//	            │         │         │
//	       ┌────▼───┐ ┌───▼────┐ ┌──▼─────┐
//	       │worker-0│ │worker-1│ │worker-N│   process or goroutine
//	       └────┬───┘ └───┬────┘ └──┬─────┘
//	            │ notifyRequest     │
//	         ┌──▼─────────▼─────────▼──┐
//	         │       COORDINATOR       │
//	         │  pump ─► RequestCounter │
//	         │  Reporter ─► stdout     │
//	         │  WorkerRegistry         │
//	         │  status API (optional)  │
//	         └─────────────────────────┘
//
// # Core Components
//
// Coordinator: pool lifecycle
//   - Start opens the distributor and spawns N workers, fail-fast
//   - one pump goroutine per worker feeds the counter
//   - one watcher per worker drops it from the registry on exit
//   - exited workers are logged and never respawned
//
// WorkerRegistry: live worker handles
//   - handles are added on spawn and removed on exit
//   - snapshots are returned in spawn order
//
// Reporter: periodic output
//   - prints "numReqs = N" every interval, starting one interval in
//   - the count is read, never reset
//
// Spawner: how workers run
//   - ProcessSpawner re-executes the binary; the child inherits the
//     notification pipe on fd 3 and its endpoint on fd 4
//   - InProcessSpawner runs workers as goroutines over a Memory channel
//
// # Concurrency
//
// The counter is an atomic and only pump goroutines increment it. Reports
// may observe a value that lags notifications still in flight; a report
// never observes a value greater than the number of notifications consumed.
//
// # Shutdown
//
// Stop signals every worker (SIGTERM then SIGKILL for processes, context
// cancellation for goroutines), waits for each notification stream to be
// drained and closes the distributor. Connections still in flight when a
// worker is stopped are dropped.
package coordinator
