package source

import (
	"log"
	"sync"
	"time"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
)

// RestartGate rate-limits expensive re-initialisation, such as restarting
// an external capture process. Attempts inside the backoff window are
// skipped entirely rather than delayed.
type RestartGate struct {
	mu        sync.Mutex
	clk       clock.Clock
	window    time.Duration
	last      time.Time
	attempted bool
}

// NewRestartGate returns a gate with the given window. A zero window
// uses config.DefaultRestartBackoff.
func NewRestartGate(window time.Duration, clk clock.Clock) *RestartGate {
	if window <= 0 {
		window = config.DefaultRestartBackoff
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RestartGate{clk: clk, window: window}
}

// Allow reports whether a restart may be attempted now and, if so,
// records the attempt.
func (g *RestartGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	if g.attempted && now.Sub(g.last) < g.window {
		return false
	}
	g.last = now
	g.attempted = true
	return true
}

// Reset clears the last attempt so the next Allow succeeds.
func (g *RestartGate) Reset() {
	g.mu.Lock()
	g.attempted = false
	g.mu.Unlock()
}

// Reliability counts read attempts for producers with their own retry
// policy. The zero value is ready to use.
type Reliability struct {
	mu          sync.Mutex
	attempts    uint64
	failures    uint64
	consecutive int
}

// failureLogEvery throttles repeated failure logs.
const failureLogEvery = 50

// Success records a successful read.
func (r *Reliability) Success() {
	r.mu.Lock()
	r.attempts++
	r.consecutive = 0
	r.mu.Unlock()
}

// Failure records a failed read and logs it on the first failure of a
// streak and every 50th after that.
func (r *Reliability) Failure(name string, err error) {
	r.mu.Lock()
	r.attempts++
	r.failures++
	r.consecutive++
	n := r.consecutive
	r.mu.Unlock()

	if n == 1 || n%failureLogEvery == 0 {
		log.Printf("[source] %s: read failed (%d consecutive): %v", name, n, err)
	}
}

// Percent returns successful reads as a percentage of attempts. With no
// attempts it reports 100.
func (r *Reliability) Percent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == 0 {
		return 100
	}
	return float64(r.attempts-r.failures) / float64(r.attempts) * 100
}

// Consecutive returns the current failure streak.
func (r *Reliability) Consecutive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutive
}
