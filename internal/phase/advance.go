package phase

import (
	"context"
	"fmt"
	"log"

	"github.com/dyluth/atelier/pkg/workshop"
)

// Advance moves the workshop to target through a server-confirmed
// transaction. Moving forward is only allowed one phase at a time from a
// complete phase; moving back to an earlier phase is always allowed.
//
// The transaction first persists pending phase-local data (the Convergence
// selection), then asks the server to advance. The canonical phase only
// changes after the server confirmed; any failure rolls the transaction back
// and is returned as the server's error.
func (m *Machine) Advance(ctx context.Context, target workshop.Phase) error {
	m.mu.Lock()
	if err := m.requireMountedLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.checkAdvanceLocked(target); err != nil {
		m.mu.Unlock()
		return err
	}

	from := m.phase
	workshopID := m.workshopID
	var selection []string
	if from == workshop.PhaseConvergence && target > from {
		selection = m.ideas.Selected()
	}
	m.tx = Transaction{State: TxPending, From: from, Target: target}
	m.err = nil
	m.logEventLocked("advance_pending", map[string]interface{}{
		"from":   from.String(),
		"target": target.String(),
	})
	m.mu.Unlock()
	m.notify()

	if selection != nil {
		if _, err := m.backend.SaveSelection(ctx, workshopID, selection); err != nil {
			return m.rollback(fmt.Errorf("failed to save selection: %w", err))
		}
	}

	w, err := m.backend.Advance(ctx, workshopID, target)
	if err != nil {
		return m.rollback(fmt.Errorf("failed to advance to %s: %w", target, err))
	}

	// The cached workshop is stale once the phase moved
	if fresh, err := m.backend.GetWorkshop(ctx, workshopID); err == nil {
		w = fresh
	} else {
		log.Printf("[Phase] Failed to refetch workshop %s after advance, using advance response: %v", workshopID, err)
	}

	m.mu.Lock()
	if !m.mounted || m.workshopID != workshopID {
		m.mu.Unlock()
		return ErrNotMounted
	}
	phase := target
	if w.CurrentPhase.Valid() {
		phase = w.CurrentPhase
	}
	m.workshop = w
	m.enterPhaseLocked(phase)
	m.tx.State = TxCommitted
	m.logEventLocked("advance_committed", map[string]interface{}{
		"from":  from.String(),
		"phase": phase.String(),
	})
	m.mu.Unlock()

	log.Printf("[Phase] Workshop %s advanced from %s to %s", workshopID, from, phase)
	m.notify()

	if err := m.resume(ctx); err != nil {
		log.Printf("[Phase] Failed to load %s data for workshop %s: %v", phase, workshopID, err)
	}
	return nil
}

// checkAdvanceLocked rejects invalid transitions before anything is sent.
func (m *Machine) checkAdvanceLocked(target workshop.Phase) error {
	if err := target.Validate(); err != nil {
		return &workshop.ValidationError{Field: "target_phase", Reason: err.Error()}
	}
	if m.tx.State == TxPending {
		return &workshop.ValidationError{Field: "target_phase", Reason: "an advance is already pending"}
	}
	if m.act != nil {
		return &workshop.ValidationError{Field: "target_phase", Reason: fmt.Sprintf("cannot advance while %s is running", m.act.name)}
	}
	switch {
	case target == m.phase:
		return &workshop.ValidationError{Field: "target_phase", Reason: fmt.Sprintf("workshop is already in %s", target)}
	case target > m.phase+1:
		return &workshop.ValidationError{Field: "target_phase", Reason: fmt.Sprintf("cannot skip from %s to %s", m.phase, target)}
	case target > m.phase && !m.completeLocked():
		return &workshop.ValidationError{Field: "target_phase", Reason: fmt.Sprintf("%s is not complete", m.phase)}
	}
	return nil
}

// enterPhaseLocked makes phase canonical and starts a fresh run in it.
func (m *Machine) enterPhaseLocked(phase workshop.Phase) {
	previous := m.phase
	m.phase = phase
	m.sub = workshop.InitialSubState(phase)
	m.rearmLocked()

	if phase < previous {
		// Data of the phases being rewound is recomputed by the server
		m.clearFromLocked(phase)
	}
}

// clearFromLocked forgets the client-side data of phase and every later one.
func (m *Machine) clearFromLocked(phase workshop.Phase) {
	if phase <= workshop.PhaseEmpathy {
		m.empathy = nil
		m.empathyDone = map[workshop.EmpathyStep]bool{}
	}
	if phase <= workshop.PhaseIdeation {
		m.ideas.Reset()
	}
	if phase <= workshop.PhaseConvergence {
		m.votingDone = false
		m.ideas.ClearSelection()
	}
	if phase <= workshop.PhaseTRIZ {
		m.analyses = map[string]workshop.Analysis{}
	}
	if phase <= workshop.PhaseSelection {
		m.finalIdeaID = ""
		m.report = nil
	}
}

func (m *Machine) rollback(err error) error {
	m.mu.Lock()
	m.tx.State = TxRolledBack
	m.setErrorLocked(err)
	m.logEventLocked("advance_rolled_back", map[string]interface{}{
		"target": m.tx.Target.String(),
		"error":  err.Error(),
	})
	m.mu.Unlock()

	log.Printf("[Phase] %v", err)
	m.notify()
	return err
}
