package board

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dyluth/atelier/internal/phase"
)

// Mirror copies machine snapshots to the board. Observe never blocks the
// machine: snapshots are coalesced and only the latest one is written.
type Mirror struct {
	client  *Client
	timeout time.Duration

	mu      sync.Mutex
	latest  *phase.State
	written int
	wake    chan struct{}
}

// NewMirror creates a mirror writing through client. Each write is bounded
// by timeout.
func NewMirror(client *Client, timeout time.Duration) *Mirror {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mirror{
		client:  client,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
	}
}

// Attach subscribes the mirror to machine and returns the unsubscribe func.
func (m *Mirror) Attach(machine *phase.Machine) func() {
	return machine.Subscribe(m.Observe)
}

// Observe records s as the snapshot to write next. Snapshots without a
// workshop (nothing mounted) are ignored.
func (m *Mirror) Observe(s phase.State) {
	if s.WorkshopID == "" {
		return
	}
	m.mu.Lock()
	m.latest = &s
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Written returns the number of snapshots written so far.
func (m *Mirror) Written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// Run writes snapshots until ctx is done, then flushes the pending one.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.flush(context.Background())
			return
		case <-m.wake:
			m.flush(ctx)
		}
	}
}

func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	s := m.latest
	m.latest = nil
	m.mu.Unlock()
	if s == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.client.Publish(writeCtx, *s); err != nil {
		log.Printf("[Board] Failed to mirror workshop %s: %v", s.WorkshopID, err)
		return
	}

	m.mu.Lock()
	m.written++
	m.mu.Unlock()
}
