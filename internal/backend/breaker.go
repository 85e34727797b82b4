package backend

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerRegistry keeps one circuit breaker per executable.
// A binary that repeatedly fails to start (missing, not executable) trips its
// breaker so later spawns fail fast instead of hitting the OS each time.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func newBreakerRegistry(logger *slog.Logger) *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// get returns the breaker for command, creating it on first use.
func (r *breakerRegistry) get(command string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[command]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        command,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("spawn circuit breaker changed state", "command", name, "from", from.String(), "to", to.String())
		},
	})

	r.breakers[command] = cb
	return cb
}
