package workshop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/atelier/internal/timespec"
)

// Workshop is the backend's authoritative record of a design workshop.
// The core only ever holds a cached copy that is refreshed by REST fetches
// and invalidated whenever the phase changes.
type Workshop struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	ProblemStatement string         `json:"problem_statement"`
	CurrentPhase     Phase          `json:"current_phase"`
	Status           Status         `json:"status"`
	Config           WorkshopConfig `json:"config"`
	Agents           []Agent        `json:"agents"`
}

// WorkshopConfig carries the facilitation settings chosen during Setup.
type WorkshopConfig struct {
	TargetIdeasCount int           `json:"target_ideas_count"`
	Personalities    []Personality `json:"personalities"`
}

// Status is the lifecycle state of a workshop.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusDraft, StatusActive, StatusCompleted, StatusArchived:
		return nil
	default:
		return fmt.Errorf("unknown workshop status: %q", s)
	}
}

// IsTerminal reports whether a workshop in this status never opens a stream.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// Personality is one of the fixed agent personalities.
type Personality string

const (
	PersonalityCreative    Personality = "creative"
	PersonalityPragmatic   Personality = "pragmatic"
	PersonalityTechnical   Personality = "technical"
	PersonalityEmpathetic  Personality = "empathetic"
	PersonalityCritic      Personality = "critic"
	PersonalityFacilitator Personality = "facilitator"
)

// Personalities lists every personality in display order.
func Personalities() []Personality {
	return []Personality{
		PersonalityCreative, PersonalityPragmatic, PersonalityTechnical,
		PersonalityEmpathetic, PersonalityCritic, PersonalityFacilitator,
	}
}

// Validate checks if the Personality is a valid enum value.
func (p Personality) Validate() error {
	switch p {
	case PersonalityCreative, PersonalityPragmatic, PersonalityTechnical,
		PersonalityEmpathetic, PersonalityCritic, PersonalityFacilitator:
		return nil
	default:
		return fmt.Errorf("unknown personality: %q", p)
	}
}

// Agent is a simulated participant. Agents are created when the workshop is
// configured and are never deleted during the workshop's life.
type Agent struct {
	ID                 string      `json:"id"`
	Personality        Personality `json:"personality"`
	Name               string      `json:"name"`
	ContributionsCount int         `json:"contributions_count"`
	TokensUsed         int         `json:"tokens_used"`
}

// Technique is the ideation technique an idea was produced with.
type Technique string

const (
	TechniqueScamper    Technique = "scamper"
	TechniqueRandomWord Technique = "random_word"
	TechniqueWorstIdea  Technique = "worst_idea"
)

// Validate checks if the Technique is a valid enum value.
func (t Technique) Validate() error {
	switch t {
	case TechniqueScamper, TechniqueRandomWord, TechniqueWorstIdea:
		return nil
	default:
		return fmt.Errorf("unknown technique: %q", t)
	}
}

// Idea is a single generated idea. Records built from stream events are
// provisional and may carry a client-synthesized identifier until the REST
// snapshot replaces them.
type Idea struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	AgentID         string    `json:"agent_id"`
	Technique       Technique `json:"technique"`
	ScamperOperator string    `json:"scamper_operator,omitempty"`
	RandomWord      string    `json:"random_word,omitempty"`
	WorstIdea       string    `json:"worst_idea,omitempty"`
	VotesCount      int       `json:"votes_count"`
	CreatedAt       time.Time `json:"created_at"`
	Provisional     bool      `json:"-"`
}

// UnmarshalJSON accepts numeric or null identifiers and the timestamp
// formats understood by timespec.
func (i *Idea) UnmarshalJSON(b []byte) error {
	type plain Idea
	var aux struct {
		plain
		ID        flexString `json:"id"`
		AgentID   flexString `json:"agent_id"`
		CreatedAt flexString `json:"created_at"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*i = Idea(aux.plain)
	i.ID = string(aux.ID)
	i.AgentID = string(aux.AgentID)
	i.CreatedAt = timespec.ParseOr(string(aux.CreatedAt), time.Time{})
	return nil
}

// Validate checks the fields a snapshot idea must carry.
func (i *Idea) Validate() error {
	if !UsableID(i.ID) {
		return fmt.Errorf("idea id cannot be empty")
	}
	if i.Technique != "" {
		if err := i.Technique.Validate(); err != nil {
			return fmt.Errorf("idea %s: %w", i.ID, err)
		}
	}
	if i.VotesCount < 0 {
		return fmt.Errorf("idea %s: votes_count must be >= 0, got %d", i.ID, i.VotesCount)
	}
	return nil
}

// VotingMethod is the convergence voting method.
type VotingMethod string

const (
	VotingDot          VotingMethod = "dot_voting"
	VotingNowHowWow    VotingMethod = "now_how_wow"
	VotingImpactEffort VotingMethod = "impact_effort"
)

// Validate checks if the VotingMethod is a valid enum value.
func (m VotingMethod) Validate() error {
	switch m {
	case VotingDot, VotingNowHowWow, VotingImpactEffort:
		return nil
	default:
		return fmt.Errorf("unknown voting method: %q", m)
	}
}

// Vote is one agent's vote on one idea. Votes only live for the current
// voting session and are never the source of truth for counts.
type Vote struct {
	IdeaID    string       `json:"idea_id"`
	AgentID   string       `json:"agent_id"`
	Method    VotingMethod `json:"vote_type"`
	Value     VoteValue    `json:"value"`
	Timestamp time.Time    `json:"timestamp"`
}

// VoteValue is the method-specific vote payload. Only the fields relevant to
// the voting method are set.
type VoteValue struct {
	Dots     *int     `json:"dots,omitempty"`
	Category string   `json:"category,omitempty"`
	Impact   *int     `json:"impact,omitempty"`
	Effort   *int     `json:"effort,omitempty"`
	Number   *float64 `json:"-"`
}

// UnmarshalJSON accepts the method-specific object, a bare number or a bare
// category string. Null leaves the value empty.
func (v *VoteValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*v = VoteValue{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '{' {
		type plain VoteValue
		var p plain
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*v = VoteValue(p)
		return nil
	}
	text := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		v.Number = &n
		return nil
	}
	v.Category = text
	return nil
}

// Weight is the amount a vote adds to an idea's votes_count: the dots count
// when present, else a bare numeric value, else 1. Never negative.
func (v VoteValue) Weight() int {
	switch {
	case v.Dots != nil:
		return nonNegative(*v.Dots)
	case v.Number != nil:
		return nonNegative(int(*v.Number))
	default:
		return 1
	}
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// EmpathyStep names one of the three Empathy sub-steps.
type EmpathyStep string

const (
	StepEmpathyMap EmpathyStep = "empathy_map"
	StepJourney    EmpathyStep = "journey"
	StepHMW        EmpathyStep = "hmw"
)

// EmpathySteps lists the Empathy sub-steps in the order they are run.
func EmpathySteps() []EmpathyStep {
	return []EmpathyStep{StepEmpathyMap, StepJourney, StepHMW}
}

// Validate checks if the EmpathyStep is a valid enum value.
func (s EmpathyStep) Validate() error {
	switch s {
	case StepEmpathyMap, StepJourney, StepHMW:
		return nil
	default:
		return fmt.Errorf("unknown empathy step: %q", s)
	}
}

// EmpathyItem is one contribution to an Empathy sub-step: an empathy map
// entry, a journey stage or a How-Might-We question.
type EmpathyItem struct {
	Step     EmpathyStep `json:"step"`
	AgentID  string      `json:"agent_id"`
	Category string      `json:"category,omitempty"`
	Content  string      `json:"content"`
}

// Analysis is the TRIZ analysis of one selected idea.
type Analysis struct {
	IdeaID        string   `json:"idea_id"`
	Contradiction string   `json:"contradiction"`
	Principles    []string `json:"principles"`
	Summary       string   `json:"summary"`
}

// Report is the final workshop report. Its content is opaque to the core.
type Report struct {
	FinalIdeaID string `json:"final_idea_id"`
	Content     string `json:"content"`
}

// UsableID reports whether an identifier received from the backend can be
// trusted. Serializers on the other side emit "None", "null" or "undefined"
// for missing values.
func UsableID(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "none", "null", "undefined", "nil":
		return false
	}
	return true
}
