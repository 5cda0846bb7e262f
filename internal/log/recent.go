package log

import "sync"

// recentLog keeps the newest formatted entries for GET /logs.
type recentLog struct {
	mu      sync.Mutex
	max     int
	entries []string // oldest first; may hold up to 2*max before compaction
}

func newRecentLog(size int) *recentLog {
	if size < 1 {
		size = 1
	}
	return &recentLog{max: size, entries: make([]string, 0, 2*size)}
}

func (r *recentLog) add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) == 2*r.max {
		r.entries = append(r.entries[:0], r.entries[r.max:]...)
	}
}

// tail returns a copy of up to n of the newest kept entries, oldest first.
func (r *recentLog) tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n = min(n, r.max, len(r.entries))
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

func (r *recentLog) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}
