package phase

import (
	"context"
	"fmt"
	"log"

	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/google/uuid"
)

// activity is one running long-lived request.
type activity struct {
	name   string
	token  string
	resume workshop.SubState
	step   workshop.EmpathyStep
	cancel context.CancelFunc
	flag   func(*Busy) *bool
}

type activitySpec struct {
	name    string
	phase   workshop.Phase
	running workshop.SubState
	step    workshop.EmpathyStep
	flag    func(*Busy) *bool
}

var (
	specGenerating = activitySpec{name: "generating", phase: workshop.PhaseIdeation, running: workshop.SubGenerating,
		flag: func(b *Busy) *bool { return &b.Generating }}
	specVoting = activitySpec{name: "voting", phase: workshop.PhaseConvergence, running: workshop.SubVoting,
		flag: func(b *Busy) *bool { return &b.Voting }}
	specAnalyzing = activitySpec{name: "analyzing", phase: workshop.PhaseTRIZ, running: workshop.SubAnalyzing,
		flag: func(b *Busy) *bool { return &b.Analyzing }}
	specReporting = activitySpec{name: "reporting", phase: workshop.PhaseSelection, running: workshop.SubGeneratingReport,
		flag: func(b *Busy) *bool { return &b.Reporting }}
)

func empathySpec(step workshop.EmpathyStep) activitySpec {
	return activitySpec{
		name:    "empathy " + string(step),
		phase:   workshop.PhaseEmpathy,
		running: stepSubState(step),
		step:    step,
		flag:    func(b *Busy) *bool { return &b.Empathy },
	}
}

// RunEmpathyStep runs one Empathy sub-step and blocks until the server has
// answered, the guard expired or the step was cancelled.
func (m *Machine) RunEmpathyStep(ctx context.Context, step workshop.EmpathyStep) error {
	if err := step.Validate(); err != nil {
		return &workshop.ValidationError{Field: "step", Reason: err.Error()}
	}
	act, runCtx, workshopID, err := m.begin(ctx, empathySpec(step), nil)
	if err != nil {
		return err
	}
	res, err := m.backend.RunEmpathyStep(runCtx, workshopID, step)
	return m.end(act, err, func() {
		m.empathyDone[step] = true
		m.applyEmpathyLocked(res)
	})
}

// GenerateIdeas runs idea generation with technique. Ideas streamed while it
// runs are provisional; the REST answer replaces them.
func (m *Machine) GenerateIdeas(ctx context.Context, technique workshop.Technique) error {
	if err := technique.Validate(); err != nil {
		return &workshop.ValidationError{Field: "technique", Reason: err.Error()}
	}
	act, runCtx, workshopID, err := m.begin(ctx, specGenerating, nil)
	if err != nil {
		return err
	}
	res, err := m.backend.GenerateIdeas(runCtx, workshopID, technique)
	return m.end(act, err, func() { m.applyIdeationLocked(res) })
}

// StartVoting runs a voting round. A successful answer means voting is over;
// the three most voted ideas are preselected.
func (m *Machine) StartVoting(ctx context.Context, method workshop.VotingMethod) error {
	if err := method.Validate(); err != nil {
		return &workshop.ValidationError{Field: "voting_method", Reason: err.Error()}
	}
	act, runCtx, workshopID, err := m.begin(ctx, specVoting, func() error {
		m.ideas.ClearSelection()
		return nil
	})
	if err != nil {
		return err
	}
	res, err := m.backend.StartVoting(runCtx, workshopID, method)
	return m.end(act, err, func() { m.applyVotesLocked(res) })
}

// SelectIdeas records the 3 to 5 ideas that progress past Convergence. The
// selection is persisted by the next Advance.
func (m *Machine) SelectIdeas(ids []string) error {
	m.mu.Lock()
	if err := m.requireMountedLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.phase != workshop.PhaseConvergence {
		m.mu.Unlock()
		return &workshop.ValidationError{Field: "phase", Reason: fmt.Sprintf("ideas are selected in %s, workshop is in %s", workshop.PhaseConvergence, m.phase)}
	}
	if m.act != nil {
		m.mu.Unlock()
		return &workshop.ValidationError{Field: "activity", Reason: fmt.Sprintf("%s is running", m.act.name)}
	}
	if err := m.ideas.Select(ids); err != nil {
		m.mu.Unlock()
		return err
	}
	m.sub = workshop.SubSelection
	m.logEventLocked("ideas_selected", map[string]interface{}{"idea_ids": ids})
	m.mu.Unlock()

	m.notify()
	return nil
}

// AnalyzeTRIZ runs the TRIZ analysis of every selected idea.
func (m *Machine) AnalyzeTRIZ(ctx context.Context) error {
	var selected []string
	act, runCtx, workshopID, err := m.begin(ctx, specAnalyzing, func() error {
		selected = m.ideas.Selected()
		if len(selected) == 0 {
			return &workshop.ValidationError{Field: "selection", Reason: "no ideas selected for analysis"}
		}
		return nil
	})
	if err != nil {
		return err
	}
	res, err := m.backend.AnalyzeTRIZ(runCtx, workshopID, selected)
	return m.end(act, err, func() { m.applyTRIZLocked(res, true) })
}

// ChooseFinal records ideaID as the final idea. Only selected ideas can be
// chosen.
func (m *Machine) ChooseFinal(ctx context.Context, ideaID string) error {
	m.mu.Lock()
	if err := m.requireMountedLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.phase != workshop.PhaseSelection {
		m.mu.Unlock()
		return &workshop.ValidationError{Field: "phase", Reason: fmt.Sprintf("the final idea is chosen in %s, workshop is in %s", workshop.PhaseSelection, m.phase)}
	}
	if m.act != nil {
		m.mu.Unlock()
		return &workshop.ValidationError{Field: "activity", Reason: fmt.Sprintf("%s is running", m.act.name)}
	}
	if !contains(m.ideas.Selected(), ideaID) {
		m.mu.Unlock()
		return &workshop.ValidationError{Field: "idea_id", Reason: fmt.Sprintf("idea %s is not among the selected ideas", ideaID)}
	}
	workshopID, token := m.workshopID, m.run
	reqCtx, cancel := context.WithCancel(m.ctx)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	res, err := m.backend.ChooseFinal(reqCtx, workshopID, ideaID)
	stop()
	cancel()

	m.mu.Lock()
	if token != m.run {
		m.mu.Unlock()
		log.Printf("[Phase] Discarding stale final choice for workshop %s", workshopID)
		return ErrCancelled
	}
	if err != nil {
		m.setErrorLocked(err)
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("failed to choose final idea: %w", err)
	}
	m.err = nil
	if res.FinalIdeaID == "" {
		res.FinalIdeaID = ideaID
	}
	m.applySelectionLocked(res)
	m.mu.Unlock()

	m.notify()
	return nil
}

// GenerateReport requests the final report for the chosen idea.
func (m *Machine) GenerateReport(ctx context.Context) error {
	act, runCtx, workshopID, err := m.begin(ctx, specReporting, func() error {
		if m.finalIdeaID == "" {
			return &workshop.ValidationError{Field: "final_idea_id", Reason: "choose a final idea before generating the report"}
		}
		return nil
	})
	if err != nil {
		return err
	}
	res, err := m.backend.GenerateReport(runCtx, workshopID)
	return m.end(act, err, func() { m.applySelectionLocked(res) })
}

// Cancel stops the running activity. Its request is abandoned and any late
// result is discarded. Cancel is a no-op when nothing runs.
func (m *Machine) Cancel() {
	m.mu.Lock()
	act := m.act
	if act == nil {
		m.mu.Unlock()
		return
	}
	m.abortLocked(act, ErrCancelled)
	m.logEventLocked("activity_cancelled", map[string]interface{}{"activity": act.name})
	m.mu.Unlock()

	m.notify()
}

// begin validates and starts an activity: it re-arms the run, flags the
// activity busy, moves to its running sub-state and arms the guard. prepare
// runs under the lock after validation and may reject the activity.
func (m *Machine) begin(ctx context.Context, spec activitySpec, prepare func() error) (*activity, context.Context, string, error) {
	m.mu.Lock()
	if err := m.requireMountedLocked(); err != nil {
		m.mu.Unlock()
		return nil, nil, "", err
	}
	if m.phase != spec.phase {
		m.mu.Unlock()
		return nil, nil, "", &workshop.ValidationError{
			Field:  "phase",
			Reason: fmt.Sprintf("%s runs in %s, workshop is in %s", spec.name, spec.phase, m.phase),
		}
	}
	if m.act != nil {
		m.mu.Unlock()
		return nil, nil, "", &workshop.ValidationError{Field: "activity", Reason: fmt.Sprintf("%s is already running", m.act.name)}
	}
	if m.tx.State == TxPending {
		m.mu.Unlock()
		return nil, nil, "", &workshop.ValidationError{Field: "phase", Reason: "an advance is pending"}
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			m.mu.Unlock()
			return nil, nil, "", err
		}
	}

	m.rearmLocked()
	runCtx, cancel := context.WithCancel(m.ctx)
	stop := context.AfterFunc(ctx, cancel)
	act := &activity{
		name:   spec.name,
		token:  m.run,
		resume: m.sub,
		step:   spec.step,
		cancel: func() { stop(); cancel() },
		flag:   spec.flag,
	}
	if act.resume == spec.running {
		act.resume = workshop.InitialSubState(m.phase)
	}
	m.act = act
	*act.flag(&m.busy) = true
	m.sub = spec.running
	m.err = nil
	workshopID := m.workshopID
	token := act.token
	m.guard.Start(m.opts.ActivityTimeout, m.results, func() { m.expire(token) })
	m.logEventLocked("activity_started", map[string]interface{}{
		"activity": act.name,
		"run":      act.token,
	})
	m.mu.Unlock()

	m.notify()
	return act, runCtx, workshopID, nil
}

// end finishes act with the outcome of its request. A result arriving after
// the activity was superseded is discarded and the reason for superseding it
// is returned instead.
func (m *Machine) end(act *activity, err error, apply func()) error {
	act.cancel()

	m.mu.Lock()
	if m.act != act {
		outcome, ok := m.outcomes[act.token]
		delete(m.outcomes, act.token)
		m.mu.Unlock()
		log.Printf("[Phase] Discarding late result of %s (run %s)", act.name, act.token)
		if !ok {
			outcome = ErrCancelled
		}
		return outcome
	}

	m.guard.Stop()
	m.act = nil
	*act.flag(&m.busy) = false
	if err != nil {
		m.sub = act.resume
		m.ideas.DropProvisional()
		m.setErrorLocked(err)
	} else {
		apply()
	}
	m.logEventLocked("activity_finished", map[string]interface{}{
		"activity": act.name,
		"run":      act.token,
		"ok":       err == nil,
	})
	m.mu.Unlock()

	m.notify()
	if err != nil {
		return fmt.Errorf("%s failed: %w", act.name, err)
	}
	return nil
}

// expire runs on the guard goroutine when the activity of token produced no
// result before its deadline.
func (m *Machine) expire(token string) {
	m.mu.Lock()
	act := m.act
	if act == nil || act.token != token {
		m.mu.Unlock()
		return
	}
	te := &workshop.TimeoutError{Activity: act.name, After: m.opts.ActivityTimeout}
	m.abortLocked(act, te)
	m.setErrorLocked(te)
	m.mu.Unlock()

	log.Printf("[Phase] %v", te)
	m.notify()
}

// abortLocked stops act without a result. The run token is replaced so a
// request still in flight can never apply its answer, and ideas streamed
// during the run are dropped.
func (m *Machine) abortLocked(act *activity, outcome error) {
	m.guard.Stop()
	m.act = nil
	*act.flag(&m.busy) = false
	m.sub = act.resume
	m.ideas.DropProvisional()
	m.outcomes[act.token] = outcome
	m.run = uuid.NewString()
	act.cancel()
}

// results counts the contributions received during the current run.
func (m *Machine) results() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runResults
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
