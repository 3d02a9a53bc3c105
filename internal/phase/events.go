package phase

import (
	"fmt"
	"log"

	"github.com/dyluth/atelier/internal/progress"
	"github.com/dyluth/atelier/pkg/workshop"
)

// onEvent walks the buffer from the machine's cursor. The delivered event is
// only a wake-up; events are applied strictly in buffer order.
func (m *Machine) onEvent(workshop.Event) {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return
	}
	events := m.buffer.Next(&m.cursor)
	for _, ev := range events {
		m.applyLocked(ev)
	}
	m.mu.Unlock()

	if len(events) > 0 {
		m.notify()
	}
}

func (m *Machine) applyLocked(ev workshop.Event) {
	m.agents = progress.Reduce(m.agents, m.phase, ev)
	if progress.IsContent(m.phase, ev.Kind) {
		m.runResults++
	}

	switch p := ev.Payload.(type) {
	case workshop.IdeaGenerated:
		if m.phase == workshop.PhaseIdeation {
			m.ideas.Apply(ev)
		}

	case workshop.VoteCast:
		if m.phase == workshop.PhaseConvergence {
			m.ideas.Apply(ev)
		}

	case workshop.IdeationComplete:
		if m.phase == workshop.PhaseIdeation {
			// Completion is only derived from the REST snapshot
			m.stopGuardFor("generating")
		}

	case workshop.VotingComplete:
		if m.phase == workshop.PhaseConvergence {
			m.votingDone = true
			m.stopGuardFor("voting")
		}

	case workshop.EmpathyContribution:
		m.addEmpathyLocked(p.Item)
	case workshop.JourneyStage:
		m.addEmpathyLocked(p.Item)
	case workshop.HMWQuestion:
		m.addEmpathyLocked(p.Item)

	case workshop.PhaseComplete:
		m.phaseCompleteLocked(p)

	case workshop.TrizAnalysisComplete:
		if m.phase != workshop.PhaseTRIZ || m.sealed || !workshop.UsableID(p.Analysis.IdeaID) {
			return
		}
		m.analyses[p.Analysis.IdeaID] = p.Analysis
		if m.allAnalyzedLocked() {
			m.stopGuardFor("analyzing")
		}

	case workshop.ErrorPayload:
		log.Printf("[Phase] Error event for workshop %s (agent %q): %s", m.workshopID, ev.AgentID, p.Message)
		if workshop.UsableID(ev.AgentID) || m.act == nil {
			// Agent errors only mark the agent
			return
		}
		act := m.act
		err := fmt.Errorf("%s failed on the server: %s", act.name, p.Message)
		m.abortLocked(act, err)
		m.setErrorLocked(err)
		m.logEventLocked("activity_failed", map[string]interface{}{
			"activity": act.name,
			"run":      act.token,
			"error":    p.Message,
		})
	}
}

func (m *Machine) addEmpathyLocked(item workshop.EmpathyItem) {
	if m.phase != workshop.PhaseEmpathy || m.sealed {
		return
	}
	m.empathy = append(m.empathy, item)
}

func (m *Machine) phaseCompleteLocked(p workshop.PhaseComplete) {
	if p.Phase >= 0 && p.Phase != m.phase {
		return
	}
	if m.phase == workshop.PhaseEmpathy && p.Step != "" {
		if p.Step.Validate() == nil {
			m.empathyDone[p.Step] = true
		}
		if m.act != nil && m.act.step == p.Step {
			m.guard.Stop()
		}
		return
	}
	if m.act != nil {
		m.guard.Stop()
	}
}

// stopGuardFor clears the guard when name is the running activity.
func (m *Machine) stopGuardFor(name string) {
	if m.act != nil && m.act.name == name {
		m.guard.Stop()
	}
}

func (m *Machine) allAnalyzedLocked() bool {
	selected := m.ideas.Selected()
	if len(selected) == 0 {
		return false
	}
	for _, id := range selected {
		if _, ok := m.analyses[id]; !ok {
			return false
		}
	}
	return true
}

func (m *Machine) onConnect() {
	m.mu.Lock()
	m.connected = true
	m.streamErr = nil
	m.mu.Unlock()
	m.notify()
}

// onDisconnect reacts to the end of the stream. A nil err is an intentional
// disconnect; anything else schedules a reconnect while the workshop stays
// mounted and non-terminal.
func (m *Machine) onDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	if err == nil {
		m.mu.Unlock()
		m.notify()
		return
	}
	m.streamErr = err
	workshopID := m.workshopID
	m.mu.Unlock()

	log.Printf("[Phase] Stream for workshop %s lost: %v", workshopID, err)
	m.notify()
	m.startReconnect(workshopID)
}
