package ideas

import (
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/atelier/internal/stream"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ideaEvent(id, title, agentID string) workshop.Event {
	data := fmt.Sprintf(`{"agent_id":%q,"data":{"id":%q,"title":%q,"technique":"scamper"},"timestamp":"2025-10-29T13:00:00Z"}`, agentID, id, title)
	return workshop.Decode("idea_generated", []byte(data), "")
}

func voteEvent(ideaID string, dots int, ts string) workshop.Event {
	data := fmt.Sprintf(`{"idea_id":%q,"agent_id":"agent-1","data":{"vote_type":"dot_voting","value":{"dots":%d}},"timestamp":%q}`, ideaID, dots, ts)
	return workshop.Decode("vote_cast", []byte(data), "")
}

func newTestAggregator() *Aggregator {
	a := NewAggregator()
	n := 0
	a.newID = func() string {
		n++
		return fmt.Sprintf("synth-%d", n)
	}
	return a
}

func seedIdeas(t *testing.T, a *Aggregator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.True(t, a.Apply(ideaEvent(id, "Idea "+id, "agent-1")))
	}
}

func TestApply_IdeaIsIdempotent(t *testing.T) {
	a := newTestAggregator()
	ev := ideaEvent("idea-1", "Shared bikes", "agent-1")

	assert.True(t, a.Apply(ev))
	once := a.Ideas()

	assert.False(t, a.Apply(ev))
	assert.Equal(t, once, a.Ideas())
	assert.Equal(t, 1, a.Len())
}

func TestApply_SynthesizesMissingID(t *testing.T) {
	a := newTestAggregator()

	for _, id := range []string{"", "None", "null", "undefined"} {
		title := "Idea with id " + id
		require.True(t, a.Apply(ideaEvent(id, title, "agent-1")), "id %q", id)
	}

	ideas := a.Ideas()
	require.Len(t, ideas, 4)
	for i, idea := range ideas {
		assert.Equal(t, fmt.Sprintf("synth-%d", i+1), idea.ID)
		assert.True(t, idea.Provisional)
	}
}

func TestApply_ContentFallbackDedup(t *testing.T) {
	a := newTestAggregator()

	assert.True(t, a.Apply(ideaEvent("None", "Shared  Bikes", "agent-1")))
	assert.False(t, a.Apply(ideaEvent("None", "shared bikes", "agent-1")), "same content from same agent is a redelivery")
	assert.True(t, a.Apply(ideaEvent("None", "shared bikes", "agent-2")), "another agent may propose the same title")
	assert.Equal(t, 2, a.Len())
}

func TestApply_UsableIDSkipsContentDedup(t *testing.T) {
	a := newTestAggregator()

	assert.True(t, a.Apply(ideaEvent("idea-1", "Shared bikes", "agent-1")))
	assert.True(t, a.Apply(ideaEvent("idea-2", "Shared bikes", "agent-1")), "distinct ids are distinct ideas")
	assert.False(t, a.Apply(ideaEvent("", "Shared bikes", "agent-1")), "an id-less redelivery still matches by content")
	assert.Equal(t, 2, a.Len())
}

func TestApply_EmptyContentWithoutIDNeverCollides(t *testing.T) {
	a := newTestAggregator()

	assert.True(t, a.Apply(ideaEvent("", "", "agent-1")))
	assert.True(t, a.Apply(ideaEvent("", "", "agent-1")))
	assert.Equal(t, 2, a.Len())
}

func TestApply_IgnoresOtherEvents(t *testing.T) {
	a := newTestAggregator()
	assert.False(t, a.Apply(workshop.Event{Kind: workshop.KindAgentStarted, Payload: workshop.AgentStarted{}}))
	assert.False(t, a.Apply(workshop.Decode("heartbeat", []byte(`{}`), "")))
	assert.Equal(t, 0, a.Len())
}

func TestApply_VoteTally(t *testing.T) {
	a := newTestAggregator()
	seedIdeas(t, a, "X")

	buf := stream.NewBuffer(stream.DefaultCapacity, stream.DefaultDedupWindow)
	deliveries := []workshop.Event{
		voteEvent("X", 1, "2025-10-29T13:00:01Z"),
		voteEvent("X", 1, "2025-10-29T13:00:02Z"),
		voteEvent("X", 2, "2025-10-29T13:00:03Z"),
		voteEvent("X", 2, "2025-10-29T13:00:03Z"), // redelivery of the third vote
	}
	for _, ev := range deliveries {
		if accepted, ok := buf.Append(ev); ok {
			a.Apply(accepted)
		}
	}

	idea, ok := a.Idea("X")
	require.True(t, ok)
	assert.Equal(t, 4, idea.VotesCount)
	assert.Equal(t, 3, a.TotalVotes())
	assert.Equal(t, map[string]int{"X": 4}, a.Tally())
}

func TestApply_VoteWithoutValueCountsOnce(t *testing.T) {
	a := newTestAggregator()
	seedIdeas(t, a, "X")

	ev := workshop.Decode("vote_cast", []byte(`{"idea_id":"X","agent_id":"a","data":{"vote_type":"now_how_wow","value":{"category":"wow"}}}`), "")
	require.True(t, a.Apply(ev))

	idea, _ := a.Idea("X")
	assert.Equal(t, 1, idea.VotesCount)
}

func TestApply_VoteForUnknownIdea(t *testing.T) {
	a := newTestAggregator()

	assert.True(t, a.Apply(voteEvent("ghost", 2, "2025-10-29T13:00:01Z")))
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, map[string]int{"ghost": 2}, a.Tally())

	assert.False(t, a.Apply(voteEvent("None", 1, "2025-10-29T13:00:02Z")))
}

func TestReplaceIdeas_SnapshotWins(t *testing.T) {
	a := newTestAggregator()
	seedIdeas(t, a, "A", "B")
	a.Apply(voteEvent("A", 3, "2025-10-29T13:00:01Z"))
	a.Apply(voteEvent("A", 3, "2025-10-29T13:00:02Z"))

	snapshot := []workshop.Idea{
		{ID: "A", Title: "Idea A", AgentID: "agent-1", VotesCount: 1},
		{ID: "B", Title: "Idea B", AgentID: "agent-1", VotesCount: 7},
		{ID: "C", Title: "Idea C", AgentID: "agent-2", VotesCount: 0},
	}
	a.ReplaceIdeas(snapshot)

	assert.Equal(t, snapshot, a.Ideas(), "post-reconciliation state equals the snapshot exactly")
	assert.True(t, a.Authoritative())
}

func TestReplaceIdeas_SnapshotCanShrink(t *testing.T) {
	a := newTestAggregator()
	seedIdeas(t, a, "A", "B", "C")
	require.NoError(t, a.Select([]string{"A", "B", "C"}))

	a.ReplaceIdeas([]workshop.Idea{{ID: "A"}, {ID: "C"}})

	assert.Equal(t, 2, a.Len())
	_, ok := a.Idea("B")
	assert.False(t, ok)
	assert.Equal(t, []string{"A", "C"}, a.Selected(), "selection is pruned to surviving ideas")
}

func TestReplaceIdeas_DropsDuplicateIDs(t *testing.T) {
	a := newTestAggregator()
	a.ReplaceIdeas([]workshop.Idea{{ID: "A", Title: "first"}, {ID: "A", Title: "second"}, {ID: "None", Title: "third"}})

	ideas := a.Ideas()
	require.Len(t, ideas, 2)
	assert.Equal(t, "first", ideas[0].Title)
	assert.Equal(t, "synth-1", ideas[1].ID)
}

func TestSeal(t *testing.T) {
	a := newTestAggregator()
	a.ReplaceIdeas([]workshop.Idea{{ID: "A", Title: "Idea A", AgentID: "agent-1"}})
	a.Seal()

	assert.True(t, a.Sealed())
	assert.False(t, a.Apply(ideaEvent("late", "Late idea", "agent-3")))
	assert.False(t, a.Apply(voteEvent("A", 1, "2025-10-29T13:00:09Z")))
	assert.Equal(t, 1, a.Len())

	a.Unseal()
	assert.True(t, a.Apply(ideaEvent("late", "Late idea", "agent-3")))
}

func TestDropProvisional(t *testing.T) {
	a := newTestAggregator()
	a.ReplaceIdeas([]workshop.Idea{{ID: "idea-1", Title: "Quiet carriage"}, {ID: "idea-2", Title: "Bike lockers"}})
	seedIdeas(t, a, "idea-3", "idea-4")

	assert.Equal(t, 4, a.Len())
	assert.Equal(t, 2, a.AuthoritativeLen())

	assert.Equal(t, 2, a.DropProvisional())
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, a.AuthoritativeLen())
	_, ok := a.Idea("idea-3")
	assert.False(t, ok)
	idea, ok := a.Idea("idea-2")
	require.True(t, ok)
	assert.Equal(t, "Bike lockers", idea.Title)

	// Dropped ideas can stream in again
	assert.True(t, a.Apply(ideaEvent("idea-3", "Idea idea-3", "agent-1")))
	assert.Zero(t, newTestAggregator().DropProvisional())
}

func TestReplaceVotes(t *testing.T) {
	a := newTestAggregator()
	a.Apply(voteEvent("A", 5, "2025-10-29T13:00:01Z"))

	two := 2
	a.ReplaceVotes([]workshop.Vote{
		{IdeaID: "A", AgentID: "a1", Method: workshop.VotingDot, Value: workshop.VoteValue{Dots: &two}},
		{IdeaID: "B", AgentID: "a2", Method: workshop.VotingDot},
	})

	assert.Equal(t, 2, a.TotalVotes())
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, a.Tally())
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr string
	}{
		{name: "three", ids: []string{"A", "B", "C"}},
		{name: "five", ids: []string{"A", "B", "C", "D", "E"}},
		{name: "two is too few", ids: []string{"A", "B"}, wantErr: "select between 3 and 5 ideas, got 2"},
		{name: "six is too many", ids: []string{"A", "B", "C", "D", "E", "F"}, wantErr: "select between 3 and 5 ideas, got 6"},
		{name: "unknown idea", ids: []string{"A", "B", "Z"}, wantErr: "unknown idea Z"},
		{name: "duplicate idea", ids: []string{"A", "B", "B"}, wantErr: "idea B selected twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAggregator()
			seedIdeas(t, a, "A", "B", "C", "D", "E", "F")
			previous := []string{"D", "E", "F"}
			require.NoError(t, a.Select(previous))

			err := a.Select(tt.ids)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.ids, a.Selected())
				return
			}

			require.Error(t, err)
			assert.Equal(t, workshop.KindValidation, workshop.Classify(err))
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, previous, a.Selected(), "rejected selection must not mutate state")
		})
	}
}

func TestSelect_ReturnsCopy(t *testing.T) {
	a := newTestAggregator()
	seedIdeas(t, a, "A", "B", "C")
	ids := []string{"A", "B", "C"}
	require.NoError(t, a.Select(ids))

	ids[0] = "Z"
	got := a.Selected()
	got[1] = "Y"
	assert.Equal(t, []string{"A", "B", "C"}, a.Selected())
}

func TestTopByVotes(t *testing.T) {
	base := time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)
	a := newTestAggregator()
	a.ReplaceIdeas([]workshop.Idea{
		{ID: "low", VotesCount: 1, CreatedAt: base},
		{ID: "late-tie", VotesCount: 5, CreatedAt: base.Add(time.Minute)},
		{ID: "top", VotesCount: 9, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "early-tie", VotesCount: 5, CreatedAt: base},
		{ID: "b-same", VotesCount: 2, CreatedAt: base},
		{ID: "a-same", VotesCount: 2, CreatedAt: base},
	})

	var ids []string
	for _, idea := range a.TopByVotes(3) {
		ids = append(ids, idea.ID)
	}
	assert.Equal(t, []string{"top", "early-tie", "late-tie"}, ids)

	all := a.TopByVotes(-1)
	require.Len(t, all, 6)
	assert.Equal(t, "a-same", all[3].ID)
	assert.Equal(t, "b-same", all[4].ID)
	assert.Len(t, a.TopByVotes(10), 6)
}

func TestReset(t *testing.T) {
	a := newTestAggregator()
	seedIdeas(t, a, "A", "B", "C")
	require.NoError(t, a.Select([]string{"A", "B", "C"}))
	a.Seal()

	a.Reset()

	assert.Equal(t, 0, a.Len())
	assert.Empty(t, a.Selected())
	assert.False(t, a.Sealed())
	assert.False(t, a.Authoritative())
	assert.Equal(t, 0, a.TotalVotes())
}
