package channel

import (
	"math/rand"
	"sync"
)

// Faulty wraps a Sender and deliberately loses or duplicates notifications,
// simulating an unreliable transport.
type Faulty struct {
	next     Sender
	mu       sync.Mutex
	rng      *rand.Rand
	lossRate float64
	dupRate  float64
	lost     int
	dups     int
}

// NewFaulty returns a Sender that drops each message with probability
// lossRate and otherwise sends it twice with probability dupRate.
// Rates are clamped to [0, 1].
func NewFaulty(next Sender, lossRate, dupRate float64, seed int64) *Faulty {
	return &Faulty{
		next:     next,
		rng:      rand.New(rand.NewSource(seed)), //nolint:gosec // deterministic fault injection
		lossRate: clamp(lossRate),
		dupRate:  clamp(dupRate),
	}
}

func (f *Faulty) Send(n Notification) {
	f.mu.Lock()
	lose := f.lossRate > 0 && f.rng.Float64() < f.lossRate
	dup := !lose && f.dupRate > 0 && f.rng.Float64() < f.dupRate
	if lose {
		f.lost++
	}
	if dup {
		f.dups++
	}
	f.mu.Unlock()

	if lose {
		return
	}
	f.next.Send(n)
	if dup {
		f.next.Send(n)
	}
}

// Stats returns how many messages were lost and duplicated so far.
func (f *Faulty) Stats() (lost, duplicated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lost, f.dups
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
