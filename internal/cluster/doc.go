// Package cluster holds the wire types shared by the prefork coordinator's
// status API and its command-line clients, plus small JSON-over-HTTP helpers.
//
// # Overview
//
// A prefork deployment is one coordinator process and N worker processes
// sharing a single listening port:
//
//	                 ┌──────────────────┐
//	 status API ───▶ │   Coordinator    │ ◀── numReqs = N (stdout, every interval)
//	                 │  - registry      │
//	                 │  - counter       │
//	                 └────────┬─────────┘
//	          notifications   │   spawn / exit
//	      ┌───────────────────┼───────────────────┐
//	┌─────┴─────┐       ┌─────┴─────┐       ┌─────┴─────┐
//	│ worker-0  │       │ worker-1  │       │ worker-2  │
//	└─────┬─────┘       └─────┬─────┘       └─────┬─────┘
//	      └──────────── shared :8000 ─────────────┘
//
// The data plane (client connections, worker notifications) never touches
// this package. It only describes what the coordinator exposes about itself:
//
// GET /stats:
//   - run identifier, distribution mode, live worker count
//   - total requests counted so far
//
// GET /workers:
//   - one WorkerInfo per live worker (id, pid, lifecycle state, start time)
//
// GET /logs:
//   - recent coordinator log entries
//
// POST /shutdown:
//   - asks the coordinator to stop its workers and exit 0
//
// # Usage Example
//
//	var stats cluster.StatsResponse
//	if err := cluster.GetJSON(ctx, "http://127.0.0.1:8001/stats", &stats); err != nil {
//	    return err
//	}
//	fmt.Printf("numReqs = %d\n", stats.Requests)
//
// All helpers use a shared client with a 5 second timeout and treat any
// status >= 300 as an error.
package cluster
