package phase

import (
	"github.com/dyluth/atelier/internal/progress"
	"github.com/dyluth/atelier/pkg/workshop"
)

// TxState is the state of a phase advance transaction.
type TxState string

const (
	TxNone       TxState = ""
	TxPending    TxState = "pending"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled-back"
)

// Transaction describes the most recent phase advance. The canonical phase
// only changes once a transaction is committed by the server.
type Transaction struct {
	State  TxState        `json:"state,omitempty"`
	From   workshop.Phase `json:"from"`
	Target workshop.Phase `json:"target"`
}

// Busy flags the long-running activities currently in flight.
type Busy struct {
	Generating bool `json:"generating"`
	Voting     bool `json:"voting"`
	Analyzing  bool `json:"analyzing"`
	Reporting  bool `json:"reporting"`
	Empathy    bool `json:"empathy"`
}

// Any returns true if any activity is running.
func (b Busy) Any() bool {
	return b.Generating || b.Voting || b.Analyzing || b.Reporting || b.Empathy
}

// State is an immutable snapshot of everything the machine exposes to
// presentation: phase, sub-state, agent activity, ideas and votes, busy
// flags and the last error.
type State struct {
	WorkshopID  string                 `json:"workshop_id"`
	Title       string                 `json:"title,omitempty"`
	Status      workshop.Status        `json:"status,omitempty"`
	Phase       workshop.Phase         `json:"phase"`
	SubState    workshop.SubState      `json:"sub_state"`
	Complete    bool                   `json:"complete"`
	Run         string                 `json:"run,omitempty"`
	Agents      progress.Progress      `json:"agents"`
	AgentNames  map[string]string      `json:"agent_names,omitempty"`
	TargetIdeas int                    `json:"target_ideas"`
	Ideas       []workshop.Idea        `json:"ideas"`
	Tally       map[string]int         `json:"tally,omitempty"`
	Selected    []string               `json:"selected,omitempty"`
	VotingDone  bool                   `json:"voting_done"`
	Empathy     []workshop.EmpathyItem `json:"empathy,omitempty"`
	EmpathyDone []workshop.EmpathyStep `json:"empathy_done,omitempty"`
	Analyses    []workshop.Analysis    `json:"analyses,omitempty"`
	FinalIdeaID string                 `json:"final_idea_id,omitempty"`
	Report      *workshop.Report       `json:"report,omitempty"`
	Busy        Busy                   `json:"busy"`
	Connected   bool                   `json:"connected"`
	StreamError string                 `json:"stream_error,omitempty"`
	Transaction Transaction            `json:"transaction"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   workshop.ErrorKind     `json:"error_kind,omitempty"`
}

// Idea returns the idea with the given id from the snapshot.
func (s State) Idea(id string) (workshop.Idea, bool) {
	for _, idea := range s.Ideas {
		if idea.ID == id {
			return idea, true
		}
	}
	return workshop.Idea{}, false
}
