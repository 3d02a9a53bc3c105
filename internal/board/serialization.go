package board

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/internal/progress"
	"github.com/dyluth/atelier/pkg/workshop"
)

// Serialization helpers between phase snapshots and Redis hashes
//
// The state hash keeps scalar fields individually readable (redis-cli HGET
// shows the phase or the error at a glance). List fields are JSON-encoded
// into single hash fields. Agents and ideas live in their own hashes keyed
// by id so consumers can fetch one entry at a time.

// Summary is the scalar view of a workshop state as stored in the state hash.
type Summary struct {
	WorkshopID  string
	Title       string
	Status      workshop.Status
	Phase       workshop.Phase
	SubState    workshop.SubState
	Complete    bool
	Connected   bool
	Busy        phase.Busy
	IdeaCount   int
	TargetIdeas int
	Selected    []string
	FinalIdeaID string
	Transaction phase.TxState
	Error       string
	ErrorKind   workshop.ErrorKind
	UpdatedAtMs int64
}

// StateToHash converts a state snapshot to the state hash format.
func StateToHash(s phase.State, now time.Time) (map[string]interface{}, error) {
	busyJSON, err := json.Marshal(s.Busy)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal busy flags: %w", err)
	}
	selected := s.Selected
	if selected == nil {
		selected = []string{}
	}
	selectedJSON, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal selection: %w", err)
	}

	hash := map[string]interface{}{
		"workshop_id":   s.WorkshopID,
		"title":         s.Title,
		"status":        string(s.Status),
		"phase":         int(s.Phase),
		"sub_state":     string(s.SubState),
		"complete":      strconv.FormatBool(s.Complete),
		"connected":     strconv.FormatBool(s.Connected),
		"busy":          string(busyJSON),
		"idea_count":    len(s.Ideas),
		"target_ideas":  s.TargetIdeas,
		"selected":      string(selectedJSON),
		"final_idea_id": s.FinalIdeaID,
		"transaction":   string(s.Transaction.State),
		"error":         s.Error,
		"error_kind":    string(s.ErrorKind),
		"updated_at_ms": now.UnixMilli(),
	}

	return hash, nil
}

// HashToSummary converts a state hash back to a Summary.
func HashToSummary(hash map[string]string) (*Summary, error) {
	p, err := strconv.Atoi(hash["phase"])
	if err != nil {
		return nil, fmt.Errorf("invalid phase field: %w", err)
	}

	var busy phase.Busy
	if busyJSON := hash["busy"]; busyJSON != "" {
		if err := json.Unmarshal([]byte(busyJSON), &busy); err != nil {
			return nil, fmt.Errorf("failed to unmarshal busy: %w", err)
		}
	}

	var selected []string
	if selectedJSON := hash["selected"]; selectedJSON != "" {
		if err := json.Unmarshal([]byte(selectedJSON), &selected); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selected: %w", err)
		}
	}
	if selected == nil {
		selected = []string{}
	}

	complete, _ := strconv.ParseBool(hash["complete"])
	connected, _ := strconv.ParseBool(hash["connected"])
	ideaCount, _ := strconv.Atoi(hash["idea_count"])
	targetIdeas, _ := strconv.Atoi(hash["target_ideas"])
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Summary{
		WorkshopID:  hash["workshop_id"],
		Title:       hash["title"],
		Status:      workshop.Status(hash["status"]),
		Phase:       workshop.Phase(p),
		SubState:    workshop.SubState(hash["sub_state"]),
		Complete:    complete,
		Connected:   connected,
		Busy:        busy,
		IdeaCount:   ideaCount,
		TargetIdeas: targetIdeas,
		Selected:    selected,
		FinalIdeaID: hash["final_idea_id"],
		Transaction: phase.TxState(hash["transaction"]),
		Error:       hash["error"],
		ErrorKind:   workshop.ErrorKind(hash["error_kind"]),
		UpdatedAtMs: updatedAtMs,
	}, nil
}

// AgentsToHash encodes each agent's progress as a JSON hash field.
func AgentsToHash(agents progress.Progress) (map[string]interface{}, error) {
	hash := make(map[string]interface{}, len(agents))
	for id, p := range agents {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal progress of agent %s: %w", id, err)
		}
		hash[id] = string(b)
	}
	return hash, nil
}

// HashToAgents decodes the agent progress hash.
func HashToAgents(hash map[string]string) (progress.Progress, error) {
	agents := make(progress.Progress, len(hash))
	for id, raw := range hash {
		var p progress.AgentProgress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress of agent %s: %w", id, err)
		}
		agents[id] = p
	}
	return agents, nil
}

// IdeasToHash encodes each idea as a JSON hash field keyed by idea id.
func IdeasToHash(ideas []workshop.Idea) (map[string]interface{}, error) {
	hash := make(map[string]interface{}, len(ideas))
	for _, idea := range ideas {
		b, err := json.Marshal(idea)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal idea %s: %w", idea.ID, err)
		}
		hash[idea.ID] = string(b)
	}
	return hash, nil
}
