// Package guard implements the per-activity timeout watchdog that bounds how
// long a generation, voting or analysis run may wait without producing results.
package guard

import (
	"log"
	"sync"
	"time"
)

// DefaultTimeout is the bound used when none is configured.
const DefaultTimeout = 120 * time.Second

// Guard is an abortable, single-shot watchdog. At most one activity is
// watched at a time; starting a new one replaces the previous.
//
// When the deadline passes the guard asks how many results have accumulated.
// If none have, the activity is considered dead and onTimeout runs exactly
// once. If any results arrived the activity is assumed slow but alive and
// is left running.
type Guard struct {
	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	active bool
}

// New creates an idle guard.
func New() *Guard {
	return &Guard{}
}

// Start arms the guard for timeout. results reports the number of result
// items accumulated so far; onTimeout runs if that number is zero at the
// deadline. Both callbacks run on the timer goroutine.
func (g *Guard) Start(timeout time.Duration, results func() int, onTimeout func()) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	gen := g.gen
	g.active = true
	g.timer = time.AfterFunc(timeout, func() { g.fire(gen, timeout, results, onTimeout) })
}

// Stop clears the guard. Called on terminal event, user cancellation and
// unmount. Safe to call when idle.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
	g.active = false
}

// Active reports whether an activity is being watched.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *Guard) fire(gen uint64, timeout time.Duration, results func() int, onTimeout func()) {
	if !g.current(gen) {
		return
	}

	n := results()

	g.mu.Lock()
	if gen != g.gen {
		// Stopped while results were being counted
		g.mu.Unlock()
		return
	}
	g.active = false
	g.timer = nil
	g.mu.Unlock()

	if n > 0 {
		log.Printf("[Guard] Deadline of %v passed with %d results, letting the activity continue", timeout, n)
		return
	}

	log.Printf("[Guard] Deadline of %v passed without results", timeout)
	onTimeout()
}

func (g *Guard) current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen == g.gen
}
