package enforcer

import (
	"sync"

	"github.com/sony/gobreaker"
)

// breakerSet hands out one gobreaker.CircuitBreaker per key, configured
// uniformly from Config. gobreaker's ReadyToTrip callback reproduces the
// "min requests, then error ratio" rule directly against the Counts
// snapshot it already tracks per rolling interval.
type breakerSet struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func newBreakerSet(cfg Config) *breakerSet {
	return &breakerSet{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (s *breakerSet) get(key string) *gobreaker.CircuitBreaker[any] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[key]; ok {
		return b
	}

	minRequests := s.cfg.CBMinRequests
	if minRequests == 0 {
		minRequests = 20
	}
	threshold := s.cfg.CBErrorThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	window := s.cfg.CBRollingWindow

	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "enforcer:" + key,
		MaxRequests: 1, // HalfOpen allows exactly one probe
		Interval:    window,
		Timeout:     window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= threshold
		},
	})
	s.breakers[key] = b
	return b
}
