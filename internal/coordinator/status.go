package coordinator

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dreamware/prefork/internal/cluster"
	"github.com/dreamware/prefork/internal/log"
)

// defaultLogLines is how many entries GET /logs returns without ?n=.
const defaultLogLines = 100

// StatusHandler returns the coordinator's status API:
//
//	GET  /health    200 while the process is up
//	GET  /workers   live workers in spawn order
//	GET  /stats     run id, request count and pool size
//	GET  /logs?n=   most recent log lines from the ring buffer
//	POST /shutdown  stop the pool and make Run return
func (c *Coordinator) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/workers", c.handleWorkers)
	mux.HandleFunc("/stats", c.handleStats)
	mux.HandleFunc("/logs", c.handleLogs)
	mux.HandleFunc("/shutdown", c.handleShutdown)
	return mux
}

func (c *Coordinator) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, cluster.WorkersResponse{Workers: c.registry.List()})
}

func (c *Coordinator) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, cluster.StatsResponse{
		RunID:        c.runID,
		Distribution: string(c.opts.Distributor.Mode()),
		Requests:     c.counter.Value(),
		Workers:      c.registry.Len(),
	})
}

func (c *Coordinator) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := defaultLogLines
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	entries := log.GetRecentLogs(n)
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, cluster.LogsResponse{Entries: entries})
}

func (c *Coordinator) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.RequestShutdown() {
		http.Error(w, "coordinator not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorErr(log.CatStatus, "encode response", err)
	}
}
