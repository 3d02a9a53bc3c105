// Package progress reduces workshop stream events into a per-agent activity
// status and contribution counter for the current phase run.
package progress

import (
	"sort"

	"github.com/dyluth/atelier/pkg/workshop"
)

// Status is an agent's transient activity status within one phase run.
// It only moves forward: idle → working → completed | error.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal returns true for completed and error.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// AgentProgress is the activity of one agent in the current run.
type AgentProgress struct {
	Status        Status `json:"status"`
	Contributions int    `json:"contributions"`
}

// Progress maps agent id to its activity. Reduce never mutates its input.
type Progress map[string]AgentProgress

// contentKinds lists, per phase, the events that count as an agent contribution.
var contentKinds = map[workshop.Phase][]workshop.Kind{
	workshop.PhaseEmpathy:     {workshop.KindEmpathyContribution, workshop.KindJourneyStage, workshop.KindHMWQuestion},
	workshop.PhaseIdeation:    {workshop.KindIdeaGenerated},
	workshop.PhaseConvergence: {workshop.KindVoteCast},
	workshop.PhaseTRIZ:        {workshop.KindTrizAnalysisComplete},
}

// ContentKinds returns the event kinds counted as contributions in phase.
func ContentKinds(phase workshop.Phase) []workshop.Kind {
	return append([]workshop.Kind(nil), contentKinds[phase]...)
}

// IsContent reports whether kind is a contribution event in phase.
func IsContent(phase workshop.Phase, kind workshop.Kind) bool {
	for _, k := range contentKinds[phase] {
		if k == kind {
			return true
		}
	}
	return false
}

// Reset returns a progress map with every agent idle and no contributions.
// Used at the start of every phase run.
func Reset(agentIDs []string) Progress {
	p := make(Progress, len(agentIDs))
	for _, id := range agentIDs {
		if workshop.UsableID(id) {
			p[id] = AgentProgress{Status: StatusIdle}
		}
	}
	return p
}

// Reduce applies one event to p for the given active phase and returns the
// resulting map. p is returned unchanged when the event does not affect any
// agent; otherwise a modified copy is returned.
func Reduce(p Progress, phase workshop.Phase, ev workshop.Event) Progress {
	agentID := ev.AgentID
	if !workshop.UsableID(agentID) {
		return p
	}

	current, known := p[agentID]
	next := current

	switch ev.Kind {
	case workshop.KindAgentStarted:
		if known && current.Status.IsTerminal() {
			// A finished agent does not go back to working within the same run
			return p
		}
		next.Status = StatusWorking

	case workshop.KindAgentComplete:
		if current.Status.IsTerminal() {
			return p
		}
		next.Status = StatusCompleted

	case workshop.KindError:
		if current.Status.IsTerminal() {
			return p
		}
		next.Status = StatusError

	default:
		if !IsContent(phase, ev.Kind) {
			return p
		}
		next.Contributions++
		if !known || current.Status == StatusIdle || current.Status == "" {
			next.Status = StatusWorking
		}
	}

	if known && next == current {
		return p
	}

	out := p.Clone()
	out[agentID] = next
	return out
}

// Clone returns a copy of p.
func (p Progress) Clone() Progress {
	out := make(Progress, len(p)+1)
	for id, ap := range p {
		out[id] = ap
	}
	return out
}

// Count returns the number of agents in each status.
func (p Progress) Count() map[Status]int {
	counts := map[Status]int{}
	for _, ap := range p {
		counts[ap.Status]++
	}
	return counts
}

// AllTerminal returns true if p is non-empty and every agent has completed or failed.
func (p Progress) AllTerminal() bool {
	if len(p) == 0 {
		return false
	}
	for _, ap := range p {
		if !ap.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Contributions returns the sum of all agents' contributions.
func (p Progress) Contributions() int {
	total := 0
	for _, ap := range p {
		total += ap.Contributions
	}
	return total
}

// AgentIDs returns the agent ids in p, sorted.
func (p Progress) AgentIDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
