package phase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/atelier/internal/api"
	"github.com/dyluth/atelier/internal/progress"
	"github.com/dyluth/atelier/internal/stream"
	"github.com/dyluth/atelier/internal/testutil"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var base = time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)

func testWorkshop(phase workshop.Phase) workshop.Workshop {
	return workshop.Workshop{
		ID:               "ws-1",
		Title:            "Commuting",
		ProblemStatement: "How might commuters arrive less stressed?",
		CurrentPhase:     phase,
		Status:           workshop.StatusActive,
		Config:           workshop.WorkshopConfig{TargetIdeasCount: 20},
		Agents: []workshop.Agent{
			{ID: "agent-1", Personality: workshop.PersonalityCreative, Name: "Ada"},
			{ID: "agent-2", Personality: workshop.PersonalityCritic, Name: "Bo"},
		},
	}
}

func makeIdeas(n int, votes ...int) []workshop.Idea {
	out := make([]workshop.Idea, n)
	for i := range out {
		out[i] = workshop.Idea{
			ID:        fmt.Sprintf("idea-%d", i+1),
			Title:     fmt.Sprintf("Idea %d", i+1),
			AgentID:   "agent-1",
			Technique: workshop.TechniqueScamper,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if i < len(votes) {
			out[i].VotesCount = votes[i]
		}
	}
	return out
}

type harness struct {
	backend *testutil.Backend
	buffer  *stream.Buffer
	machine *Machine
}

func newHarness(t *testing.T, w workshop.Workshop, opts Options) *harness {
	t.Helper()
	backend := testutil.NewBackend(t, w)
	buffer := stream.NewBuffer(stream.DefaultCapacity, stream.DefaultDedupWindow)
	transport := stream.NewTransport(backend.URL(), buffer)
	m := New(api.New(backend.URL()), transport, buffer, opts)
	t.Cleanup(m.Unmount)
	return &harness{backend: backend, buffer: buffer, machine: m}
}

func (h *harness) mount(t *testing.T) {
	t.Helper()
	require.NoError(t, h.machine.Mount(context.Background(), "ws-1"))
}

func (h *harness) eventually(t *testing.T, cond func(s State) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.machine.State()) }, waitFor, tick, msg)
}

func (h *harness) emitIdea(n int) {
	data := map[string]any{"id": fmt.Sprintf("idea-%d", n), "title": fmt.Sprintf("Idea %d", n), "technique": "scamper"}
	h.backend.Emit("idea_generated", testutil.EventJSON("agent-1", "", data, base.Add(time.Duration(n)*time.Second)))
}

func (h *harness) emitVote(agentID, ideaID string, dots int, n int) {
	data := map[string]any{"vote_type": "dot_voting", "value": map[string]any{"dots": dots}}
	h.backend.Emit("vote_cast", testutil.EventJSON(agentID, ideaID, data, base.Add(time.Duration(n)*time.Second)))
}

// async runs fn in the background and returns a channel with its error.
func async(fn func() error) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	return errCh
}

func TestMachine_MountFailure(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})

	err := h.machine.Mount(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, workshop.ErrMountFailed)

	var re *workshop.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.Status)
	assert.Equal(t, workshop.KindRequest, h.machine.State().ErrorKind)
	assert.Zero(t, h.backend.Calls(testutil.ActionStream))
}

func TestMachine_TerminalWorkshopNeverStreams(t *testing.T) {
	for _, status := range []workshop.Status{workshop.StatusCompleted, workshop.StatusArchived} {
		t.Run(string(status), func(t *testing.T) {
			w := testWorkshop(workshop.PhaseSelection)
			w.Status = status
			h := newHarness(t, w, Options{})
			h.mount(t)

			assert.Zero(t, h.backend.Calls(testutil.ActionStream))
			assert.False(t, h.machine.State().Connected)
			assert.Equal(t, workshop.SubSelectFinal, h.machine.State().SubState)
		})
	}
}

func TestMachine_MountConnectsAndTracksAgents(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	s := h.machine.State()
	assert.True(t, s.Connected)
	assert.Equal(t, workshop.PhaseIdeation, s.Phase)
	assert.Equal(t, workshop.SubTechniqueSelection, s.SubState)
	assert.Equal(t, progress.StatusIdle, s.Agents["agent-1"].Status)
	assert.Equal(t, "Ada", s.AgentNames["agent-1"])

	h.backend.Emit("agent_started", testutil.EventJSON("agent-1", "", map[string]any{}, base))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-1"].Status == progress.StatusWorking
	}, "agent-1 should be working")

	h.backend.Emit("agent_complete", testutil.EventJSON("agent-1", "", map[string]any{}, base.Add(time.Second)))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-1"].Status == progress.StatusCompleted
	}, "agent-1 should be completed")

	// Forward-only within a run
	h.backend.Emit("agent_started", testutil.EventJSON("agent-1", "", map[string]any{}, base.Add(2*time.Second)))
	h.backend.Emit("agent_started", testutil.EventJSON("agent-2", "", map[string]any{}, base.Add(3*time.Second)))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-2"].Status == progress.StatusWorking
	}, "agent-2 should be working")
	assert.Equal(t, progress.StatusCompleted, h.machine.State().Agents["agent-1"].Status)
}

func TestMachine_ProvisionalIdeasNeverCompleteIdeation(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()
	h.backend.Update(func(s *testutil.State) {
		s.Ideation = workshop.IdeationResults{Ideas: makeIdeas(20), TotalIdeas: 20}
	})

	errCh := async(func() error {
		return h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Generating }, "generation should be running")
	assert.Equal(t, workshop.SubGenerating, h.machine.State().SubState)

	for i := 1; i <= 19; i++ {
		h.emitIdea(i)
	}
	h.backend.Emit("ideation_complete", testutil.EventJSON("", "", map[string]any{"total_ideas": 19}, base.Add(time.Minute)))

	h.eventually(t, func(s State) bool { return len(s.Ideas) == 19 }, "19 provisional ideas expected")
	s := h.machine.State()
	assert.False(t, s.Complete)
	assert.True(t, s.Busy.Generating)
	assert.True(t, s.Ideas[0].Provisional)
	assert.Equal(t, 19, s.Agents["agent-1"].Contributions)

	release()
	require.NoError(t, <-errCh)

	s = h.machine.State()
	require.Len(t, s.Ideas, 20)
	for _, idea := range s.Ideas {
		assert.False(t, idea.Provisional, idea.ID)
	}
	assert.True(t, s.Complete)
	assert.False(t, s.Busy.Generating)
	assert.Equal(t, workshop.SubResults, s.SubState)
}

func TestMachine_SnapshotReplacesStreamedIdeas(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()
	h.backend.Update(func(s *testutil.State) {
		s.Ideation = workshop.IdeationResults{Ideas: makeIdeas(2)}
	})

	errCh := async(func() error {
		return h.machine.GenerateIdeas(context.Background(), workshop.TechniqueRandomWord)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Generating }, "generation should be running")

	for i := 1; i <= 3; i++ {
		h.emitIdea(i)
	}
	h.eventually(t, func(s State) bool { return len(s.Ideas) == 3 }, "3 provisional ideas expected")

	release()
	require.NoError(t, <-errCh)

	s := h.machine.State()
	require.Len(t, s.Ideas, 2)
	assert.Equal(t, "idea-1", s.Ideas[0].ID)
	assert.Equal(t, "idea-2", s.Ideas[1].ID)

	// Sealed: late stream events no longer change the collection
	h.emitIdea(7)
	h.backend.Emit("agent_started", testutil.EventJSON("agent-2", "", map[string]any{}, base.Add(time.Hour)))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-2"].Status == progress.StatusWorking
	}, "later event should be processed")
	assert.Len(t, h.machine.State().Ideas, 2)
}

func TestMachine_ActivityTimeout(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{ActivityTimeout: 100 * time.Millisecond})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()

	err := h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper)
	require.Error(t, err)

	var te *workshop.TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "generating", te.Activity)

	s := h.machine.State()
	assert.False(t, s.Busy.Generating)
	assert.Equal(t, workshop.SubTechniqueSelection, s.SubState)
	assert.Equal(t, workshop.KindTimeout, s.ErrorKind)
	assert.Empty(t, s.Ideas)
}

func TestMachine_SlowActivityWithResultsKeepsRunning(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{ActivityTimeout: 300 * time.Millisecond})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()
	h.backend.Update(func(s *testutil.State) {
		s.Ideation = workshop.IdeationResults{Ideas: makeIdeas(1)}
	})

	errCh := async(func() error {
		return h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Generating }, "generation should be running")

	h.emitIdea(1)
	h.eventually(t, func(s State) bool { return len(s.Ideas) == 1 }, "idea expected")

	time.Sleep(500 * time.Millisecond)
	assert.True(t, h.machine.State().Busy.Generating)

	release()
	require.NoError(t, <-errCh)
	assert.Empty(t, h.machine.State().Error)
}

func TestMachine_CancelDiscardsLateResult(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()
	h.backend.Update(func(s *testutil.State) {
		s.Ideation = workshop.IdeationResults{Ideas: makeIdeas(20)}
	})

	errCh := async(func() error {
		return h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Generating }, "generation should be running")
	runBefore := h.machine.State().Run

	h.machine.Cancel()
	assert.ErrorIs(t, <-errCh, ErrCancelled)

	s := h.machine.State()
	assert.False(t, s.Busy.Generating)
	assert.Equal(t, workshop.SubTechniqueSelection, s.SubState)
	assert.NotEqual(t, runBefore, s.Run)
	assert.Empty(t, s.Ideas)
	assert.False(t, s.Complete)
}

func TestMachine_CancelledRerunKeepsSnapshotCompletion(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.backend.Update(func(s *testutil.State) {
		s.Ideation = workshop.IdeationResults{Ideas: makeIdeas(15), TotalIdeas: 15}
	})
	h.mount(t)
	h.eventually(t, func(s State) bool { return len(s.Ideas) == 15 }, "snapshot should be restored")
	require.False(t, h.machine.Complete(), "15 of 20 ideas")

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()

	errCh := async(func() error {
		return h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Generating }, "generation should be running")

	for i := 16; i <= 20; i++ {
		h.emitIdea(i)
	}
	h.eventually(t, func(s State) bool { return len(s.Ideas) == 20 }, "5 streamed ideas expected")
	assert.False(t, h.machine.State().Complete, "streamed ideas of a rerun never complete Ideation")

	h.machine.Cancel()
	assert.ErrorIs(t, <-errCh, ErrCancelled)

	s := h.machine.State()
	require.Len(t, s.Ideas, 15, "ideas of the cancelled run are dropped")
	for _, idea := range s.Ideas {
		assert.False(t, idea.Provisional, idea.ID)
	}
	assert.False(t, s.Complete)

	err := h.machine.Advance(context.Background(), workshop.PhaseConvergence)
	var ve *workshop.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Zero(t, h.backend.Calls(testutil.ActionAdvance))
	assert.Equal(t, workshop.PhaseIdeation, h.machine.Phase())
}

func TestMachine_RunErrorEventEndsActivity(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()

	errCh := async(func() error {
		return h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Generating }, "generation should be running")

	h.emitIdea(1)
	h.eventually(t, func(s State) bool { return len(s.Ideas) == 1 }, "idea expected")

	// An agent's error only marks that agent
	h.backend.Emit("error", testutil.EventJSON("agent-2", "", map[string]any{"message": "agent hiccup"}, base.Add(2*time.Second)))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-2"].Status == progress.StatusError
	}, "agent-2 should be in error")
	assert.True(t, h.machine.State().Busy.Generating)

	h.backend.Emit("error", testutil.EventJSON("", "", map[string]any{"message": "boom"}, base.Add(3*time.Second)))

	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	s := h.machine.State()
	assert.False(t, s.Busy.Generating)
	assert.Equal(t, workshop.SubTechniqueSelection, s.SubState)
	assert.Contains(t, s.Error, "boom")
	assert.Empty(t, s.Ideas, "ideas of the failed run are dropped")

	// The abandoned request answering later changes nothing
	release()
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.machine.State().Ideas)
}

func TestMachine_CallerContextCancelsActivity(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionGenerate)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.machine.GenerateIdeas(ctx, workshop.TechniqueScamper)
	require.Error(t, err)
	assert.Equal(t, workshop.KindRequest, workshop.Classify(err))
	assert.False(t, h.machine.State().Busy.Generating)
}

func TestMachine_RequestFailureRestoresSubState(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)
	h.backend.Fail(testutil.ActionGenerate, http.StatusBadGateway, "model unavailable", "upstream")

	err := h.machine.GenerateIdeas(context.Background(), workshop.TechniqueWorstIdea)
	var re *workshop.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "upstream", re.Code)

	s := h.machine.State()
	assert.Equal(t, workshop.SubTechniqueSelection, s.SubState)
	assert.Equal(t, workshop.KindRequest, s.ErrorKind)
	assert.Contains(t, s.Error, "model unavailable")
	assert.False(t, s.Busy.Generating)

	// Retry after recovery
	h.backend.Recover(testutil.ActionGenerate)
	h.backend.Update(func(s *testutil.State) { s.Ideation.Ideas = makeIdeas(20) })
	require.NoError(t, h.machine.GenerateIdeas(context.Background(), workshop.TechniqueWorstIdea))
	assert.True(t, h.machine.Complete())
	assert.Empty(t, h.machine.State().Error)
}

func TestMachine_RearmSkipsPreviousRunEvents(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	h.backend.Emit("agent_complete", testutil.EventJSON("agent-1", "", map[string]any{}, base))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-1"].Status == progress.StatusCompleted
	}, "agent-1 should be completed")

	before := h.machine.State().Run
	h.machine.Rearm()
	s := h.machine.State()
	assert.NotEqual(t, before, s.Run)
	assert.Equal(t, progress.StatusIdle, s.Agents["agent-1"].Status)

	h.backend.Emit("agent_started", testutil.EventJSON("agent-2", "", map[string]any{}, base.Add(time.Second)))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-2"].Status == progress.StatusWorking
	}, "agent-2 should be working")
	assert.Equal(t, progress.StatusIdle, h.machine.State().Agents["agent-1"].Status)
}

func TestMachine_ConvergenceResume(t *testing.T) {
	tests := []struct {
		name         string
		results      workshop.ConvergenceResults
		wantSub      workshop.SubState
		wantSelected []string
		wantVoted    bool
	}{
		{
			name:    "no votes yet",
			results: workshop.ConvergenceResults{Ideas: makeIdeas(5)},
			wantSub: workshop.SubMethodSelection,
		},
		{
			name:         "votes preselect top three",
			results:      workshop.ConvergenceResults{Ideas: makeIdeas(5, 1, 5, 2, 4, 3), TotalVotes: 15},
			wantSub:      workshop.SubSelection,
			wantSelected: []string{"idea-2", "idea-4", "idea-5"},
			wantVoted:    true,
		},
		{
			name: "persisted selection wins",
			results: workshop.ConvergenceResults{
				Ideas:       makeIdeas(5, 1, 5, 2, 4, 3),
				TotalVotes:  15,
				SelectedIDs: []string{"idea-1", "idea-2", "idea-3", "idea-4"},
			},
			wantSub:      workshop.SubSelection,
			wantSelected: []string{"idea-1", "idea-2", "idea-3", "idea-4"},
			wantVoted:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})
			h.backend.Update(func(s *testutil.State) { s.Convergence = tt.results })
			h.mount(t)

			s := h.machine.State()
			assert.Equal(t, tt.wantSub, s.SubState)
			assert.Equal(t, tt.wantSelected, s.Selected)
			assert.Equal(t, tt.wantVoted, s.VotingDone)
			assert.Equal(t, tt.wantVoted, s.Complete)
			assert.Zero(t, h.backend.Calls(testutil.ActionVote), "resume must not start a new vote")
		})
	}
}

func TestMachine_StreamedVotes(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})
	h.backend.Update(func(s *testutil.State) { s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(4)} })
	h.mount(t)

	release := h.backend.Hold(testutil.ActionVote)
	defer release()
	h.backend.Update(func(s *testutil.State) {
		s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(4, 3, 0, 1, 2), TotalVotes: 6}
	})

	errCh := async(func() error {
		return h.machine.StartVoting(context.Background(), workshop.VotingDot)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Voting }, "voting should be running")

	h.emitVote("agent-1", "idea-1", 2, 1)
	h.emitVote("agent-2", "idea-1", 1, 2)
	h.emitVote("agent-2", "idea-9", 1, 3)
	h.backend.Emit("voting_complete", testutil.EventJSON("", "", map[string]any{"total_votes": 3}, base.Add(time.Minute)))

	h.eventually(t, func(s State) bool { return s.VotingDone }, "voting_complete should be applied")
	s := h.machine.State()
	assert.Equal(t, 3, s.Tally["idea-1"])
	assert.Equal(t, 1, s.Tally["idea-9"])
	idea, ok := s.Idea("idea-1")
	require.True(t, ok)
	assert.Equal(t, 3, idea.VotesCount)
	_, ok = s.Idea("idea-9")
	assert.False(t, ok, "votes never create ideas")

	release()
	require.NoError(t, <-errCh)

	s = h.machine.State()
	assert.Equal(t, workshop.SubSelection, s.SubState)
	assert.Equal(t, []string{"idea-1", "idea-4", "idea-3"}, s.Selected)
	assert.True(t, s.Complete)
}

func TestMachine_RedeliveredVoteCountsOnce(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})
	h.backend.Update(func(s *testutil.State) { s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(4)} })
	h.mount(t)

	release := h.backend.Hold(testutil.ActionVote)
	defer release()

	errCh := async(func() error {
		return h.machine.StartVoting(context.Background(), workshop.VotingDot)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Voting }, "voting should be running")

	vote := func(id string, dots, n int) string {
		data := map[string]any{"vote_type": "dot_voting", "value": map[string]any{"dots": dots}}
		return testutil.Frame(id, "vote_cast", testutil.EventJSON("agent-1", "idea-1", data, base.Add(time.Duration(n)*time.Second)))
	}
	h.backend.EmitFrame(vote("v1", 1, 1))
	h.backend.EmitFrame(vote("v2", 1, 2))
	h.backend.EmitFrame(vote("v3", 2, 3))
	h.backend.EmitFrame(vote("v3", 2, 3))
	h.backend.Emit("voting_complete", testutil.EventJSON("", "", map[string]any{"total_votes": 3}, base.Add(time.Minute)))

	h.eventually(t, func(s State) bool { return s.VotingDone }, "voting_complete should be applied")
	s := h.machine.State()
	idea, ok := s.Idea("idea-1")
	require.True(t, ok)
	assert.Equal(t, 4, idea.VotesCount)
	assert.Equal(t, 4, s.Tally["idea-1"])
	assert.Equal(t, uint64(1), h.buffer.Dropped())

	release()
	require.NoError(t, <-errCh)
}

func TestMachine_SelectIdeas(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})
	h.backend.Update(func(s *testutil.State) {
		s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(6, 6, 5, 4, 3, 2, 1), TotalVotes: 21}
	})
	h.mount(t)
	preselected := h.machine.State().Selected

	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{name: "too few", ids: []string{"idea-1", "idea-2"}, wantErr: true},
		{name: "too many", ids: []string{"idea-1", "idea-2", "idea-3", "idea-4", "idea-5", "idea-6"}, wantErr: true},
		{name: "unknown", ids: []string{"idea-1", "idea-2", "idea-42"}, wantErr: true},
		{name: "duplicate", ids: []string{"idea-1", "idea-1", "idea-2"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.machine.SelectIdeas(tt.ids)
			var ve *workshop.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, preselected, h.machine.State().Selected)
		})
	}

	require.NoError(t, h.machine.SelectIdeas([]string{"idea-6", "idea-5", "idea-4", "idea-3", "idea-2"}))
	assert.Equal(t, []string{"idea-6", "idea-5", "idea-4", "idea-3", "idea-2"}, h.machine.State().Selected)
	assert.True(t, h.machine.Complete())
}

func TestMachine_AdvanceCommitsSelection(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})
	h.backend.Update(func(s *testutil.State) {
		s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(5, 1, 2, 3, 4, 5), TotalVotes: 15}
	})
	h.mount(t)
	require.NoError(t, h.machine.SelectIdeas([]string{"idea-5", "idea-4", "idea-3"}))

	h.backend.Emit("agent_complete", testutil.EventJSON("agent-1", "", map[string]any{}, base))
	h.eventually(t, func(s State) bool {
		return s.Agents["agent-1"].Status == progress.StatusCompleted
	}, "agent-1 should be completed")

	require.NoError(t, h.machine.Advance(context.Background(), workshop.PhaseTRIZ))

	assert.JSONEq(t, `{"idea_ids":["idea-5","idea-4","idea-3"]}`, string(h.backend.LastBody(testutil.ActionSelect)))
	assert.JSONEq(t, `{"targetPhase":4}`, string(h.backend.LastBody(testutil.ActionAdvance)))

	s := h.machine.State()
	assert.Equal(t, workshop.PhaseTRIZ, s.Phase)
	assert.Equal(t, workshop.SubAnalysisReady, s.SubState)
	assert.Equal(t, Transaction{State: TxCommitted, From: workshop.PhaseConvergence, Target: workshop.PhaseTRIZ}, s.Transaction)
	assert.Equal(t, progress.StatusIdle, s.Agents["agent-1"].Status)
	assert.Equal(t, []string{"idea-5", "idea-4", "idea-3"}, s.Selected)
	assert.False(t, s.Complete)
	assert.Equal(t, workshop.PhaseTRIZ, h.machine.Workshop().CurrentPhase)
}

func TestMachine_AdvanceRollsBack(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})
	h.backend.Update(func(s *testutil.State) {
		s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(3, 1, 1, 1), TotalVotes: 3}
	})
	h.mount(t)
	require.True(t, h.machine.Complete())

	h.backend.Fail(testutil.ActionAdvance, http.StatusConflict, "phase mismatch", "conflict")

	err := h.machine.Advance(context.Background(), workshop.PhaseTRIZ)
	var re *workshop.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusConflict, re.Status)

	s := h.machine.State()
	assert.Equal(t, workshop.PhaseConvergence, s.Phase)
	assert.Equal(t, workshop.SubSelection, s.SubState)
	assert.Equal(t, TxRolledBack, s.Transaction.State)
	assert.Equal(t, workshop.KindRequest, s.ErrorKind)

	// Selection persistence failing also rolls back before advancing
	h.backend.Recover(testutil.ActionAdvance)
	h.backend.Fail(testutil.ActionSelect, http.StatusInternalServerError, "db down", "")
	err = h.machine.Advance(context.Background(), workshop.PhaseTRIZ)
	require.Error(t, err)
	assert.Equal(t, 1, h.backend.Calls(testutil.ActionAdvance))
	assert.Equal(t, workshop.PhaseConvergence, h.machine.Phase())
}

func TestMachine_AdvanceValidation(t *testing.T) {
	tests := []struct {
		name   string
		target workshop.Phase
	}{
		{name: "same phase", target: workshop.PhaseIdeation},
		{name: "skip forward", target: workshop.PhaseTRIZ},
		{name: "incomplete phase", target: workshop.PhaseConvergence},
		{name: "past selection", target: workshop.FinalPhase + 1},
		{name: "negative", target: -1},
	}

	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.machine.Advance(context.Background(), tt.target)
			var ve *workshop.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, workshop.PhaseIdeation, h.machine.Phase())
		})
	}
	assert.Zero(t, h.backend.Calls(testutil.ActionAdvance))
}

func TestMachine_AdvanceRejectsFinalPhase(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseSelection), Options{})
	h.backend.Update(func(s *testutil.State) {
		s.Selection = workshop.SelectionResults{FinalIdeaID: "idea-1", Report: &workshop.Report{Content: "done"}}
	})
	h.mount(t)
	require.True(t, h.machine.Complete())

	err := h.machine.Advance(context.Background(), workshop.FinalPhase.Next()+1)
	var ve *workshop.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Zero(t, h.backend.Calls(testutil.ActionAdvance))
}

func TestMachine_Rewind(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})
	h.backend.Update(func(s *testutil.State) {
		s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(3)}
		s.Ideation = workshop.IdeationResults{Ideas: makeIdeas(8)}
	})
	h.mount(t)
	require.False(t, h.machine.Complete())

	require.NoError(t, h.machine.Advance(context.Background(), workshop.PhaseIdeation))

	s := h.machine.State()
	assert.Equal(t, workshop.PhaseIdeation, s.Phase)
	assert.Equal(t, workshop.SubResults, s.SubState)
	assert.Len(t, s.Ideas, 8)
	assert.Empty(t, s.Selected)
	assert.Zero(t, h.backend.Calls(testutil.ActionSelect))
}

func TestMachine_EmpathySteps(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseEmpathy), Options{})
	h.mount(t)
	assert.Equal(t, workshop.SubEmpathyMap, h.machine.State().SubState)

	h.backend.Update(func(s *testutil.State) {
		s.Empathy.Items = []workshop.EmpathyItem{{Step: workshop.StepEmpathyMap, AgentID: "agent-1", Category: "feels", Content: "rushed"}}
	})

	wantSub := []workshop.SubState{workshop.SubJourney, workshop.SubHMW, workshop.SubReview}
	for i, step := range workshop.EmpathySteps() {
		require.False(t, h.machine.Complete())
		require.NoError(t, h.machine.RunEmpathyStep(context.Background(), step))
		assert.Equal(t, wantSub[i], h.machine.State().SubState)
	}

	s := h.machine.State()
	assert.True(t, s.Complete)
	assert.Equal(t, workshop.EmpathySteps(), s.EmpathyDone)
	require.Len(t, s.Empathy, 1)
	assert.Equal(t, "rushed", s.Empathy[0].Content)

	err := h.machine.RunEmpathyStep(context.Background(), "persona")
	var ve *workshop.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestMachine_StreamedEmpathyItems(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseEmpathy), Options{})
	h.mount(t)

	release := h.backend.Hold(testutil.ActionEmpathyMap)
	defer release()

	errCh := async(func() error {
		return h.machine.RunEmpathyStep(context.Background(), workshop.StepEmpathyMap)
	})
	h.eventually(t, func(s State) bool { return s.Busy.Empathy }, "empathy step should be running")

	h.backend.Emit("empathy_contribution", testutil.EventJSON("agent-2", "", map[string]any{"category": "thinks", "content": "trains are late"}, base))
	h.backend.Emit("phase_complete", testutil.EventJSON("", "", map[string]any{"phase": 1, "step": "empathy_map"}, base.Add(time.Second)))

	h.eventually(t, func(s State) bool {
		return len(s.Empathy) == 1 && len(s.EmpathyDone) == 1
	}, "streamed item and step completion expected")
	assert.Equal(t, 1, h.machine.State().Agents["agent-2"].Contributions)

	release()
	require.NoError(t, <-errCh)
	assert.Equal(t, workshop.SubJourney, h.machine.State().SubState)
}

func TestMachine_TRIZAndSelection(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseTRIZ), Options{})
	selected := []string{"idea-1", "idea-2", "idea-3"}
	h.backend.Update(func(s *testutil.State) {
		s.Convergence = workshop.ConvergenceResults{Ideas: makeIdeas(4, 4, 3, 2, 1), TotalVotes: 10, SelectedIDs: selected}
	})
	h.mount(t)

	s := h.machine.State()
	assert.Equal(t, workshop.SubAnalysisReady, s.SubState)
	assert.Equal(t, selected, s.Selected)

	h.backend.Update(func(s *testutil.State) {
		for _, id := range []string{"idea-3", "idea-1", "idea-2"} {
			s.TRIZ.Analyses = append(s.TRIZ.Analyses, workshop.Analysis{IdeaID: id, Principles: []string{"segmentation"}})
		}
	})
	require.NoError(t, h.machine.AnalyzeTRIZ(context.Background()))
	assert.JSONEq(t, `{"idea_ids":["idea-1","idea-2","idea-3"]}`, string(h.backend.LastBody(testutil.ActionAnalyze)))

	s = h.machine.State()
	assert.Equal(t, workshop.SubResults, s.SubState)
	assert.True(t, s.Complete)
	require.Len(t, s.Analyses, 3)
	assert.Equal(t, "idea-1", s.Analyses[0].IdeaID)

	require.NoError(t, h.machine.Advance(context.Background(), workshop.PhaseSelection))
	assert.Equal(t, workshop.SubSelectFinal, h.machine.State().SubState)

	var ve *workshop.ValidationError
	require.True(t, errors.As(h.machine.GenerateReport(context.Background()), &ve))
	require.True(t, errors.As(h.machine.ChooseFinal(context.Background(), "idea-4"), &ve))

	require.NoError(t, h.machine.ChooseFinal(context.Background(), "idea-2"))
	s = h.machine.State()
	assert.Equal(t, "idea-2", s.FinalIdeaID)
	assert.Equal(t, workshop.SubChoice, s.SubState)
	assert.False(t, s.Complete)

	h.backend.Update(func(s *testutil.State) {
		s.Selection.Report = &workshop.Report{FinalIdeaID: "idea-2", Content: "# Final"}
	})
	require.NoError(t, h.machine.GenerateReport(context.Background()))

	s = h.machine.State()
	assert.Equal(t, workshop.SubReport, s.SubState)
	require.NotNil(t, s.Report)
	assert.Equal(t, "# Final", s.Report.Content)
	assert.True(t, s.Complete)
}

func TestMachine_ActionsRequireMountAndPhase(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseConvergence), Options{})

	assert.ErrorIs(t, h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper), ErrNotMounted)
	assert.ErrorIs(t, h.machine.Advance(context.Background(), workshop.PhaseTRIZ), ErrNotMounted)

	h.mount(t)

	var ve *workshop.ValidationError
	assert.True(t, errors.As(h.machine.GenerateIdeas(context.Background(), workshop.TechniqueScamper), &ve))
	assert.True(t, errors.As(h.machine.AnalyzeTRIZ(context.Background()), &ve))
	assert.True(t, errors.As(h.machine.StartVoting(context.Background(), "secret_ballot"), &ve))
	assert.Zero(t, h.backend.Calls(testutil.ActionGenerate))
	assert.Zero(t, h.backend.Calls(testutil.ActionVote))
}

func TestMachine_ReconnectsAndReconciles(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{ReconnectInitial: 20 * time.Millisecond, ReconnectMax: 50 * time.Millisecond})
	h.mount(t)
	require.Equal(t, 1, h.backend.Calls(testutil.ActionStream))

	// Ideas generated while the client is away only reach it through reconciliation
	h.backend.Update(func(s *testutil.State) { s.Ideation.Ideas = makeIdeas(20) })
	h.backend.CloseStreams()

	h.eventually(t, func(s State) bool {
		return s.Connected && len(s.Ideas) == 20
	}, "stream should reconnect and reconcile")
	assert.GreaterOrEqual(t, h.backend.Calls(testutil.ActionStream), 2)
	assert.True(t, h.machine.Complete())
	assert.Empty(t, h.machine.State().StreamError)
}

func TestMachine_ReconnectRetriesUntilStreamOpens(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{ReconnectInitial: 20 * time.Millisecond, ReconnectMax: 50 * time.Millisecond})
	h.backend.SetStreamStatus(http.StatusServiceUnavailable)
	h.mount(t)

	s := h.machine.State()
	assert.False(t, s.Connected)
	assert.NotEmpty(t, s.StreamError)

	h.eventually(t, func(State) bool { return h.backend.Calls(testutil.ActionStream) >= 2 }, "should retry")
	h.backend.SetStreamStatus(http.StatusOK)
	h.eventually(t, func(s State) bool { return s.Connected }, "should connect once the stream is available")
}

func TestMachine_UnmountStopsStream(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})
	h.mount(t)
	h.eventually(t, func(State) bool { return h.backend.Streams() == 1 }, "stream should be open")

	h.machine.Unmount()
	assert.False(t, h.machine.State().Connected)
	h.eventually(t, func(State) bool { return h.backend.Streams() == 0 }, "stream should be closed")
	assert.Equal(t, 1, h.backend.Calls(testutil.ActionStream))
}

func TestMachine_Subscribe(t *testing.T) {
	h := newHarness(t, testWorkshop(workshop.PhaseIdeation), Options{})

	var mu sync.Mutex
	var states []State
	unsubscribe := h.machine.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	h.mount(t)
	mu.Lock()
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	mu.Unlock()
	assert.Equal(t, workshop.PhaseIdeation, last.Phase)
	assert.Equal(t, "ws-1", last.WorkshopID)

	unsubscribe()
	mu.Lock()
	n := len(states)
	mu.Unlock()

	h.machine.Rearm()
	mu.Lock()
	assert.Equal(t, n, len(states))
	mu.Unlock()
}
