package workshop

// Authoritative phase results returned by the REST backend. Every action
// endpoint and every results/summary endpoint of a phase returns the same
// shape, so a resumed session and a freshly run activity reconcile the same way.

// EmpathyResults is the Empathy phase snapshot (phase1).
type EmpathyResults struct {
	Items     []EmpathyItem `json:"items"`
	Completed []EmpathyStep `json:"completed_steps"`
}

// ItemsFor returns the items of one sub-step.
func (r *EmpathyResults) ItemsFor(step EmpathyStep) []EmpathyItem {
	var out []EmpathyItem
	for _, item := range r.Items {
		if item.Step == step {
			out = append(out, item)
		}
	}
	return out
}

// IdeationResults is the Ideation phase snapshot (phase2).
type IdeationResults struct {
	Ideas      []Idea `json:"ideas"`
	TotalIdeas int    `json:"total_ideas"`
}

// ConvergenceResults is the Convergence phase snapshot (phase3).
type ConvergenceResults struct {
	Ideas       []Idea       `json:"ideas"`
	Votes       []Vote       `json:"votes"`
	TotalVotes  int          `json:"total_votes"`
	Method      VotingMethod `json:"voting_method,omitempty"`
	SelectedIDs []string     `json:"selected_ids"`
}

// HasVotes reports whether voting already happened, either because votes are
// listed or because any idea carries a non-zero count.
func (r *ConvergenceResults) HasVotes() bool {
	if r.TotalVotes > 0 || len(r.Votes) > 0 {
		return true
	}
	for _, idea := range r.Ideas {
		if idea.VotesCount > 0 {
			return true
		}
	}
	return false
}

// TRIZResults is the TRIZ phase snapshot (phase4).
type TRIZResults struct {
	Analyses []Analysis `json:"analyses"`
}

// SelectionResults is the Selection phase snapshot (phase5).
type SelectionResults struct {
	FinalIdeaID string  `json:"final_idea_id,omitempty"`
	Report      *Report `json:"report,omitempty"`
}

// AdvanceRequest is the body of POST /workshops/{id}/advance.
type AdvanceRequest struct {
	TargetPhase Phase `json:"targetPhase"`
}

// ErrorBody is the error shape of every REST endpoint.
type ErrorBody struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
