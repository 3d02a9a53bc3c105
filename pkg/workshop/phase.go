package workshop

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase is the ordinal of a workshop phase. Phases advance one at a time and
// only through a server-confirmed transition.
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseEmpathy
	PhaseIdeation
	PhaseConvergence
	PhaseTRIZ
	PhaseSelection
)

// FinalPhase is the last phase; there is nothing to advance to after it.
const FinalPhase = PhaseSelection

var phaseNames = [...]string{
	PhaseSetup:       "setup",
	PhaseEmpathy:     "empathy",
	PhaseIdeation:    "ideation",
	PhaseConvergence: "convergence",
	PhaseTRIZ:        "triz",
	PhaseSelection:   "selection",
}

// String returns the lowercase phase name.
func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Valid reports whether p is within 0..5.
func (p Phase) Valid() bool {
	return p >= PhaseSetup && p <= FinalPhase
}

// IsFinal reports whether p is the last phase.
func (p Phase) IsFinal() bool {
	return p == FinalPhase
}

// Next returns the following phase. Calling Next on the final phase returns
// the final phase.
func (p Phase) Next() Phase {
	if p >= FinalPhase {
		return FinalPhase
	}
	return p + 1
}

// Validate checks if the Phase is within range.
func (p Phase) Validate() error {
	if !p.Valid() {
		return fmt.Errorf("invalid phase %d: must be between %d and %d", int(p), PhaseSetup, FinalPhase)
	}
	return nil
}

// SubState is a phase-local state. Each phase owns its own small sequence.
type SubState string

const (
	SubConfigure SubState = "configure"
	SubReady     SubState = "ready"

	SubEmpathyMap SubState = "empathy-map"
	SubJourney    SubState = "journey"
	SubHMW        SubState = "hmw"
	SubReview     SubState = "review"

	SubTechniqueSelection SubState = "technique-selection"
	SubGenerating         SubState = "generating"
	SubResults            SubState = "results"

	SubMethodSelection SubState = "method-selection"
	SubVoting          SubState = "voting"
	SubSelection       SubState = "selection"

	SubAnalysisReady SubState = "analysis-ready"
	SubAnalyzing     SubState = "analyzing"

	SubSelectFinal      SubState = "select-final"
	SubChoice           SubState = "choice"
	SubGeneratingReport SubState = "generating-report"
	SubReport           SubState = "report"
)

var subStateFlows = map[Phase][]SubState{
	PhaseSetup:       {SubConfigure, SubReady},
	PhaseEmpathy:     {SubEmpathyMap, SubJourney, SubHMW, SubReview},
	PhaseIdeation:    {SubTechniqueSelection, SubGenerating, SubResults},
	PhaseConvergence: {SubMethodSelection, SubVoting, SubSelection},
	PhaseTRIZ:        {SubAnalysisReady, SubAnalyzing, SubResults},
	PhaseSelection:   {SubSelectFinal, SubChoice, SubGeneratingReport, SubReport},
}

// SubStates returns the ordered sub-states of a phase. The returned slice is
// a copy.
func SubStates(p Phase) []SubState {
	flow := subStateFlows[p]
	result := make([]SubState, len(flow))
	copy(result, flow)
	return result
}

// InitialSubState returns the entry sub-state of a phase.
func InitialSubState(p Phase) SubState {
	flow := subStateFlows[p]
	if len(flow) == 0 {
		return ""
	}
	return flow[0]
}

// HasSubState reports whether s belongs to phase p.
func HasSubState(p Phase, s SubState) bool {
	for _, candidate := range subStateFlows[p] {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParsePhase accepts a phase name ("ideation") or ordinal ("2").
func ParsePhase(s string) (Phase, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(name); err == nil {
		p := Phase(n)
		return p, p.Validate()
	}
	for p, candidate := range phaseNames {
		if candidate == name {
			return Phase(p), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}
