package phase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errStopReconnect = errors.New("workshop no longer streamable")

// startReconnect runs the reconnection loop for workshopID in the
// background unless one is already running.
func (m *Machine) startReconnect(workshopID string) {
	m.mu.Lock()
	if m.reconnecting || !m.streamableLocked(workshopID) {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	ctx := m.ctx
	m.mu.Unlock()

	go m.reconnect(ctx, workshopID)
}

// streamableLocked reports whether workshopID is still mounted and not in a
// terminal status.
func (m *Machine) streamableLocked(workshopID string) bool {
	return m.mounted && m.workshopID == workshopID && m.workshop != nil && !m.workshop.Status.IsTerminal()
}

// reconnect reopens the stream with exponential backoff and then reconciles
// with the server, since events sent while disconnected are lost.
func (m *Machine) reconnect(ctx context.Context, workshopID string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectInitial
	b.MaxInterval = m.opts.ReconnectMax
	b.MaxElapsedTime = m.opts.ReconnectMaxElapsed

	attempt := 0
	operation := func() error {
		m.mu.Lock()
		ok := m.streamableLocked(workshopID)
		m.mu.Unlock()
		if !ok {
			return backoff.Permanent(errStopReconnect)
		}
		attempt++
		return m.stream.Connect(ctx, workshopID)
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("[Phase] Reconnect attempt %d for workshop %s failed: %v (retrying in %v)", attempt, workshopID, err, wait)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)

	// A stream lost again from here on starts a new loop
	m.mu.Lock()
	m.reconnecting = false
	lost := err == nil && !m.connected
	m.mu.Unlock()

	switch {
	case errors.Is(err, errStopReconnect), ctx.Err() != nil:
		return
	case lost:
		m.startReconnect(workshopID)
		return
	case err != nil:
		log.Printf("[Phase] Giving up reconnecting to workshop %s after %d attempts: %v", workshopID, attempt, err)
		m.mu.Lock()
		m.streamErr = fmt.Errorf("gave up reconnecting after %d attempts: %w", attempt, err)
		m.mu.Unlock()
		m.notify()
		return
	}

	m.mu.Lock()
	m.logEventLocked("stream_reconnected", map[string]interface{}{"attempts": attempt})
	m.mu.Unlock()
	m.reconcile(ctx, workshopID)
}

// reconcile refetches the workshop and the current phase snapshot. A phase
// change made elsewhere is adopted since the server is authoritative.
func (m *Machine) reconcile(ctx context.Context, workshopID string) {
	w, err := m.backend.GetWorkshop(ctx, workshopID)
	if err != nil {
		log.Printf("[Phase] Failed to refetch workshop %s after reconnect: %v", workshopID, err)
		return
	}

	m.mu.Lock()
	if !m.mounted || m.workshopID != workshopID {
		m.mu.Unlock()
		return
	}
	m.workshop = w
	busy := m.act != nil || m.tx.State == TxPending
	if w.CurrentPhase.Valid() && w.CurrentPhase != m.phase && !busy {
		log.Printf("[Phase] Workshop %s moved to %s while disconnected", workshopID, w.CurrentPhase)
		m.enterPhaseLocked(w.CurrentPhase)
	}
	m.mu.Unlock()
	m.notify()

	if busy {
		// The running request reconciles when it answers
		return
	}
	if err := m.resume(ctx); err != nil {
		log.Printf("[Phase] Failed to reconcile workshop %s: %v", workshopID, err)
	}
}
