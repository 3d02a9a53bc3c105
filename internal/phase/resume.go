package phase

import (
	"context"
	"fmt"
	"log"

	"github.com/dyluth/atelier/internal/ideas"
	"github.com/dyluth/atelier/pkg/workshop"
)

// Complete reports whether the current phase's completion condition holds.
func (m *Machine) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked()
}

func (m *Machine) completeLocked() bool {
	if m.workshop == nil {
		return false
	}
	switch m.phase {
	case workshop.PhaseSetup:
		return m.workshop.ProblemStatement != "" && len(m.workshop.Agents) > 0
	case workshop.PhaseEmpathy:
		for _, step := range workshop.EmpathySteps() {
			if !m.empathyDone[step] {
				return false
			}
		}
		return true
	case workshop.PhaseIdeation:
		target := m.workshop.Config.TargetIdeasCount
		if target < 1 {
			target = 1
		}
		// Ideas streamed during a rerun stay provisional until its snapshot
		return m.ideas.Authoritative() && m.ideas.AuthoritativeLen() >= target
	case workshop.PhaseConvergence:
		n := len(m.ideas.Selected())
		return m.votingDone && n >= ideas.MinSelection && n <= ideas.MaxSelection
	case workshop.PhaseTRIZ:
		return m.allAnalyzedLocked()
	case workshop.PhaseSelection:
		return m.report != nil
	}
	return false
}

// resume loads the authoritative data of the current phase and restores the
// sub-state from it. It never issues an action request. The result is
// dropped if a run started or the phase changed while it was loading.
func (m *Machine) resume(ctx context.Context) error {
	m.mu.Lock()
	workshopID, phase, token := m.workshopID, m.phase, m.run
	m.mu.Unlock()

	apply, err := m.loadPhase(ctx, workshopID, phase)
	if err != nil {
		err = fmt.Errorf("failed to load %s data: %w", phase, err)
		m.mu.Lock()
		if token == m.run {
			m.setErrorLocked(err)
		}
		m.mu.Unlock()
		m.notify()
		return err
	}

	m.mu.Lock()
	if token != m.run || phase != m.phase || !m.mounted {
		m.mu.Unlock()
		log.Printf("[Phase] Discarding stale %s snapshot for workshop %s", phase, workshopID)
		return nil
	}
	apply()
	m.logEventLocked("phase_restored", map[string]interface{}{
		"phase":     phase.String(),
		"sub_state": string(m.sub),
		"complete":  m.completeLocked(),
	})
	m.mu.Unlock()
	m.notify()
	return nil
}

// loadPhase fetches the snapshot of phase and returns the closure that
// applies it under the lock.
func (m *Machine) loadPhase(ctx context.Context, workshopID string, phase workshop.Phase) (func(), error) {
	switch phase {
	case workshop.PhaseSetup:
		return m.restoreSetupLocked, nil

	case workshop.PhaseEmpathy:
		res, err := m.backend.EmpathySummary(ctx, workshopID)
		if err != nil {
			return nil, err
		}
		return func() { m.applyEmpathyLocked(res) }, nil

	case workshop.PhaseIdeation:
		res, err := m.backend.IdeationResults(ctx, workshopID)
		if err != nil {
			return nil, err
		}
		return func() {
			if len(res.Ideas) == 0 {
				m.sub = workshop.SubTechniqueSelection
				return
			}
			m.applyIdeationLocked(res)
		}, nil

	case workshop.PhaseConvergence:
		res, err := m.backend.ConvergenceResults(ctx, workshopID)
		if err != nil {
			return nil, err
		}
		return func() { m.restoreConvergenceLocked(res) }, nil

	case workshop.PhaseTRIZ:
		conv, err := m.backend.ConvergenceResults(ctx, workshopID)
		if err != nil {
			return nil, err
		}
		res, err := m.backend.TRIZResults(ctx, workshopID)
		if err != nil {
			return nil, err
		}
		return func() {
			m.restoreSelectionLocked(conv)
			m.applyTRIZLocked(res, false)
		}, nil

	case workshop.PhaseSelection:
		conv, err := m.backend.ConvergenceResults(ctx, workshopID)
		if err != nil {
			return nil, err
		}
		res, err := m.backend.SelectionResults(ctx, workshopID)
		if err != nil {
			return nil, err
		}
		return func() {
			m.restoreSelectionLocked(conv)
			m.applySelectionLocked(res)
		}, nil
	}
	return nil, fmt.Errorf("unknown phase %d", int(phase))
}

func (m *Machine) restoreSetupLocked() {
	m.sub = workshop.SubConfigure
	if m.completeLocked() {
		m.sub = workshop.SubReady
	}
}

// applyEmpathyLocked replaces the Empathy items with res and moves to the
// first step not yet completed.
func (m *Machine) applyEmpathyLocked(res *workshop.EmpathyResults) {
	m.empathy = append([]workshop.EmpathyItem(nil), res.Items...)
	for _, step := range res.Completed {
		if step.Validate() == nil {
			m.empathyDone[step] = true
		}
	}
	m.sealed = true
	m.sub = workshop.SubReview
	for _, step := range workshop.EmpathySteps() {
		if !m.empathyDone[step] {
			m.sub = stepSubState(step)
			return
		}
	}
}

func (m *Machine) applyIdeationLocked(res *workshop.IdeationResults) {
	m.ideas.ReplaceIdeas(res.Ideas)
	m.ideas.Seal()
	m.sealed = true
	m.sub = workshop.SubResults
}

// restoreConvergenceLocked resumes Convergence without asking for a new
// vote: existing votes mean voting already happened, so the selection is
// offered directly with a persisted or top-3 preselection.
func (m *Machine) restoreConvergenceLocked(res *workshop.ConvergenceResults) {
	if res.Ideas != nil {
		m.ideas.ReplaceIdeas(res.Ideas)
	}
	if !res.HasVotes() {
		m.sub = workshop.SubMethodSelection
		return
	}
	m.applyVotesLocked(res)
}

// applyVotesLocked applies a snapshot in which voting has happened.
func (m *Machine) applyVotesLocked(res *workshop.ConvergenceResults) {
	if res.Ideas != nil {
		m.ideas.ReplaceIdeas(res.Ideas)
	}
	if res.Votes != nil {
		m.ideas.ReplaceVotes(res.Votes)
	}
	m.ideas.Seal()
	m.sealed = true
	m.votingDone = true
	m.sub = workshop.SubSelection

	if m.ideas.Select(res.SelectedIDs) == nil {
		return
	}
	if len(m.ideas.Selected()) > 0 {
		return
	}
	top := m.ideas.TopByVotes(ideas.MinSelection)
	if len(top) < ideas.MinSelection {
		return
	}
	ids := make([]string, len(top))
	for i, idea := range top {
		ids[i] = idea.ID
	}
	_ = m.ideas.Select(ids)
}

// restoreSelectionLocked brings back the ideas and the persisted selection
// later phases work on.
func (m *Machine) restoreSelectionLocked(res *workshop.ConvergenceResults) {
	if len(res.Ideas) > 0 {
		m.ideas.ReplaceIdeas(res.Ideas)
	}
	if len(res.SelectedIDs) > 0 {
		if err := m.ideas.Select(res.SelectedIDs); err != nil {
			log.Printf("[Phase] Ignoring persisted selection for workshop %s: %v", m.workshopID, err)
		}
	}
	m.votingDone = res.HasVotes()
}

// applyTRIZLocked replaces the analyses with res. ran is true when the
// snapshot answers an analysis request.
func (m *Machine) applyTRIZLocked(res *workshop.TRIZResults, ran bool) {
	m.analyses = make(map[string]workshop.Analysis, len(res.Analyses))
	for _, a := range res.Analyses {
		if workshop.UsableID(a.IdeaID) {
			m.analyses[a.IdeaID] = a
		}
	}
	m.sealed = true
	if ran || m.allAnalyzedLocked() {
		m.sub = workshop.SubResults
		return
	}
	m.sub = workshop.SubAnalysisReady
}

func (m *Machine) applySelectionLocked(res *workshop.SelectionResults) {
	if res.FinalIdeaID != "" {
		m.finalIdeaID = res.FinalIdeaID
	}
	if res.Report != nil {
		r := *res.Report
		m.report = &r
		if m.finalIdeaID == "" {
			m.finalIdeaID = r.FinalIdeaID
		}
	}
	switch {
	case m.report != nil:
		m.sub = workshop.SubReport
	case m.finalIdeaID != "":
		m.sub = workshop.SubChoice
	default:
		m.sub = workshop.SubSelectFinal
	}
}

func stepSubState(step workshop.EmpathyStep) workshop.SubState {
	switch step {
	case workshop.StepJourney:
		return workshop.SubJourney
	case workshop.StepHMW:
		return workshop.SubHMW
	default:
		return workshop.SubEmpathyMap
	}
}
