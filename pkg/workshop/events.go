package workshop

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/dyluth/atelier/internal/timespec"
)

// Kind is the canonical tag of a stream event.
type Kind string

const (
	KindPhaseStarted         Kind = "phase_started"
	KindPhaseComplete        Kind = "phase_complete"
	KindAgentStarted         Kind = "agent_started"
	KindAgentComplete        Kind = "agent_complete"
	KindIdeaGenerated        Kind = "idea_generated"
	KindIdeationComplete     Kind = "ideation_complete"
	KindVoteCast             Kind = "vote_cast"
	KindVotingComplete       Kind = "voting_complete"
	KindEmpathyContribution  Kind = "empathy_contribution"
	KindJourneyStage         Kind = "journey_stage"
	KindHMWQuestion          Kind = "hmw_question"
	KindTrizStarted          Kind = "triz_started"
	KindTrizAnalysisComplete Kind = "triz_analysis_complete"
	KindError                Kind = "error"
	KindMessage              Kind = "message"
)

var knownKinds = map[Kind]bool{
	KindPhaseStarted:         true,
	KindPhaseComplete:        true,
	KindAgentStarted:         true,
	KindAgentComplete:        true,
	KindIdeaGenerated:        true,
	KindIdeationComplete:     true,
	KindVoteCast:             true,
	KindVotingComplete:       true,
	KindEmpathyContribution:  true,
	KindJourneyStage:         true,
	KindHMWQuestion:          true,
	KindTrizStarted:          true,
	KindTrizAnalysisComplete: true,
	KindError:                true,
	KindMessage:              true,
}

// kindAliases maps legacy spellings to their canonical tag.
var kindAliases = map[string]Kind{
	"agent_completed": KindAgentComplete,
	"phase_completed": KindPhaseComplete,
}

// NormalizeKind returns the canonical kind for an event name and whether the
// name is known. Unknown names normalize to KindMessage.
func NormalizeKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := kindAliases[name]; ok {
		return alias, true
	}
	k := Kind(name)
	if knownKinds[k] {
		return k, true
	}
	return KindMessage, false
}

// Event is one immutable event received from the workshop stream.
// Seq is assigned by the Buffer on append and is zero before that.
type Event struct {
	Seq          uint64    `json:"seq"`
	Kind         Kind      `json:"type"`
	ID           string    `json:"id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	IdeaID       string    `json:"idea_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	RawTimestamp string    `json:"-"`
	Payload      Payload   `json:"data,omitempty"`
	Raw          []byte    `json:"-"`
}

// Payload is the closed set of typed event payloads. The unexported marker
// keeps the set closed to this package.
type Payload interface {
	payloadKind() Kind
}

// PhaseStarted is the payload of phase_started.
type PhaseStarted struct {
	Phase Phase       `json:"phase"`
	Step  EmpathyStep `json:"step,omitempty"`
}

// PhaseComplete is the payload of phase_complete. Step is set when an Empathy
// sub-step finished rather than the whole phase.
type PhaseComplete struct {
	Phase Phase       `json:"phase"`
	Step  EmpathyStep `json:"step,omitempty"`
}

// AgentStarted is the payload of agent_started.
type AgentStarted struct {
	AgentName string `json:"agent_name,omitempty"`
}

// AgentCompleted is the payload of agent_complete and agent_completed.
type AgentCompleted struct {
	AgentName string `json:"agent_name,omitempty"`
}

// IdeaGenerated is the payload of idea_generated.
type IdeaGenerated struct {
	Idea Idea `json:"idea"`
}

// IdeationComplete is the payload of ideation_complete.
type IdeationComplete struct {
	TotalIdeas int `json:"total_ideas"`
}

// VoteCast is the payload of vote_cast.
type VoteCast struct {
	Vote Vote `json:"vote"`
}

// VotingComplete is the payload of voting_complete.
type VotingComplete struct {
	TotalVotes int `json:"total_votes"`
}

// EmpathyContribution is the payload of empathy_contribution.
type EmpathyContribution struct {
	Item EmpathyItem `json:"item"`
}

// JourneyStage is the payload of journey_stage.
type JourneyStage struct {
	Item EmpathyItem `json:"item"`
}

// HMWQuestion is the payload of hmw_question.
type HMWQuestion struct {
	Item EmpathyItem `json:"item"`
}

// TrizStarted is the payload of triz_started.
type TrizStarted struct {
	IdeaID string `json:"idea_id"`
}

// TrizAnalysisComplete is the payload of triz_analysis_complete.
type TrizAnalysisComplete struct {
	Analysis Analysis `json:"analysis"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Message is the fallback payload for untyped, unknown or unparseable
// messages. Name keeps the original event name.
type Message struct {
	Name string `json:"name,omitempty"`
	Text string `json:"text"`
}

func (PhaseStarted) payloadKind() Kind         { return KindPhaseStarted }
func (PhaseComplete) payloadKind() Kind        { return KindPhaseComplete }
func (AgentStarted) payloadKind() Kind         { return KindAgentStarted }
func (AgentCompleted) payloadKind() Kind       { return KindAgentComplete }
func (IdeaGenerated) payloadKind() Kind        { return KindIdeaGenerated }
func (IdeationComplete) payloadKind() Kind     { return KindIdeationComplete }
func (VoteCast) payloadKind() Kind             { return KindVoteCast }
func (VotingComplete) payloadKind() Kind       { return KindVotingComplete }
func (EmpathyContribution) payloadKind() Kind  { return KindEmpathyContribution }
func (JourneyStage) payloadKind() Kind         { return KindJourneyStage }
func (HMWQuestion) payloadKind() Kind          { return KindHMWQuestion }
func (TrizStarted) payloadKind() Kind          { return KindTrizStarted }
func (TrizAnalysisComplete) payloadKind() Kind { return KindTrizAnalysisComplete }
func (ErrorPayload) payloadKind() Kind         { return KindError }
func (Message) payloadKind() Kind              { return KindMessage }

// IsTerminal reports whether the event ends a generation, voting or analysis
// activity.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case KindIdeationComplete, KindVotingComplete, KindTrizAnalysisComplete, KindPhaseComplete:
		return true
	}
	return false
}

// DedupKey identifies a delivery for duplicate suppression: the SSE id (when
// present) and a content fingerprint, paired with the raw timestamp. The
// fingerprint keeps events that merely inherited the stream's last id apart.
// Events with neither an id nor a timestamp cannot be told apart from
// legitimate repeats and return "".
func (e Event) DedupKey() string {
	if e.ID == "" && e.RawTimestamp == "" {
		return ""
	}
	key := e.fingerprint()
	if e.ID != "" {
		key = e.ID + "/" + key
	}
	return key + "@" + e.RawTimestamp
}

func (e Event) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write([]byte(e.AgentID))
	h.Write([]byte{0})
	h.Write([]byte(e.IdeaID))
	h.Write([]byte{0})
	h.Write(e.Raw)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// flexString accepts JSON strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// envelope is the wire shape of every stream message.
type envelope struct {
	Type      string          `json:"type"`
	AgentID   flexString      `json:"agent_id"`
	IdeaID    flexString      `json:"idea_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp flexString      `json:"timestamp"`
}

// wireData is the union of every field a payload may carry. It exists only
// at the decoding boundary.
type wireData struct {
	ID              flexString      `json:"id"`
	IdeaID          flexString      `json:"idea_id"`
	AgentID         flexString      `json:"agent_id"`
	AgentName       string          `json:"agent_name"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Technique       string          `json:"technique"`
	ScamperOperator string          `json:"scamper_operator"`
	RandomWord      string          `json:"random_word"`
	WorstIdea       string          `json:"worst_idea"`
	Inversion       string          `json:"inversion"`
	VotesCount      *int            `json:"votes_count"`
	CreatedAt       flexString      `json:"created_at"`
	VoteType        string          `json:"vote_type"`
	Value           json.RawMessage `json:"value"`
	Phase           *int            `json:"phase"`
	Step            string          `json:"step"`
	TotalIdeas      *int            `json:"total_ideas"`
	Count           *int            `json:"count"`
	TotalVotes      *int            `json:"total_votes"`
	Category        string          `json:"category"`
	Content         string          `json:"content"`
	Stage           string          `json:"stage"`
	Question        string          `json:"question"`
	Contradiction   string          `json:"contradiction"`
	Principles      []string        `json:"principles"`
	Summary         string          `json:"summary"`
	Message         string          `json:"message"`
	Detail          string          `json:"detail"`
	Error           string          `json:"error"`
	Code            flexString      `json:"code"`
}

// Decode turns one raw stream message into a typed Event. It never fails:
// anything that cannot be parsed is preserved as a message event carrying
// the raw payload.
func Decode(name string, data []byte, sseID string) Event {
	raw := append([]byte(nil), data...)
	ev := Event{ID: strings.TrimSpace(sseID), Raw: raw}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		kind, _ := NormalizeKind(name)
		if kind == KindError {
			ev.Kind = KindError
			ev.Payload = ErrorPayload{Message: strings.TrimSpace(string(raw))}
			return ev
		}
		ev.Kind = KindMessage
		ev.Payload = Message{Name: name, Text: string(raw)}
		return ev
	}

	eventName := name
	if eventName == "" || eventName == string(KindMessage) {
		if env.Type != "" {
			eventName = env.Type
		}
	}
	kind, known := NormalizeKind(eventName)

	ev.Kind = kind
	ev.AgentID = string(env.AgentID)
	ev.IdeaID = string(env.IdeaID)
	ev.RawTimestamp = strings.TrimSpace(string(env.Timestamp))
	ev.Timestamp = timespec.ParseOr(ev.RawTimestamp, time.Time{})

	if !known || kind == KindMessage {
		ev.Payload = Message{Name: eventName, Text: string(raw)}
		return ev
	}

	var d wireData
	var dataText string
	if len(env.Data) > 0 && env.Data[0] == '"' {
		_ = json.Unmarshal(env.Data, &dataText)
	} else if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			ev.Kind = KindMessage
			ev.Payload = Message{Name: eventName, Text: string(raw)}
			return ev
		}
	}

	if ev.AgentID == "" {
		ev.AgentID = string(d.AgentID)
	}
	if ev.IdeaID == "" {
		ev.IdeaID = string(d.IdeaID)
	}

	ev.Payload = buildPayload(kind, ev, d, dataText)
	return ev
}

func buildPayload(kind Kind, ev Event, d wireData, dataText string) Payload {
	switch kind {
	case KindPhaseStarted:
		return PhaseStarted{Phase: phaseOf(d.Phase), Step: EmpathyStep(d.Step)}
	case KindPhaseComplete:
		return PhaseComplete{Phase: phaseOf(d.Phase), Step: EmpathyStep(d.Step)}
	case KindAgentStarted:
		return AgentStarted{AgentName: d.AgentName}
	case KindAgentComplete:
		return AgentCompleted{AgentName: d.AgentName}
	case KindIdeaGenerated:
		return IdeaGenerated{Idea: ideaOf(ev, d)}
	case KindIdeationComplete:
		return IdeationComplete{TotalIdeas: firstInt(d.TotalIdeas, d.Count)}
	case KindVoteCast:
		return VoteCast{Vote: Vote{
			IdeaID:    ev.IdeaID,
			AgentID:   ev.AgentID,
			Method:    VotingMethod(d.VoteType),
			Value:     voteValueOf(d.Value),
			Timestamp: ev.Timestamp,
		}}
	case KindVotingComplete:
		return VotingComplete{TotalVotes: firstInt(d.TotalVotes, d.Count)}
	case KindEmpathyContribution:
		return EmpathyContribution{Item: EmpathyItem{
			Step:     StepEmpathyMap,
			AgentID:  ev.AgentID,
			Category: d.Category,
			Content:  firstNonEmpty(d.Content, dataText),
		}}
	case KindJourneyStage:
		return JourneyStage{Item: EmpathyItem{
			Step:     StepJourney,
			AgentID:  ev.AgentID,
			Category: firstNonEmpty(d.Stage, d.Category),
			Content:  firstNonEmpty(d.Description, d.Content, dataText),
		}}
	case KindHMWQuestion:
		return HMWQuestion{Item: EmpathyItem{
			Step:     StepHMW,
			AgentID:  ev.AgentID,
			Category: d.Category,
			Content:  firstNonEmpty(d.Question, d.Content, dataText),
		}}
	case KindTrizStarted:
		return TrizStarted{IdeaID: ev.IdeaID}
	case KindTrizAnalysisComplete:
		return TrizAnalysisComplete{Analysis: Analysis{
			IdeaID:        ev.IdeaID,
			Contradiction: d.Contradiction,
			Principles:    d.Principles,
			Summary:       d.Summary,
		}}
	case KindError:
		return ErrorPayload{
			Message: firstNonEmpty(d.Message, d.Detail, d.Error, dataText, "unknown error"),
			Code:    string(d.Code),
		}
	default:
		return Message{Name: string(kind), Text: string(ev.Raw)}
	}
}

func ideaOf(ev Event, d wireData) Idea {
	id := string(d.ID)
	if !UsableID(id) {
		id = ev.IdeaID
	}
	if !UsableID(id) {
		id = ""
	}
	idea := Idea{
		ID:              id,
		Title:           d.Title,
		Description:     d.Description,
		AgentID:         ev.AgentID,
		Technique:       Technique(d.Technique),
		ScamperOperator: d.ScamperOperator,
		RandomWord:      d.RandomWord,
		WorstIdea:       firstNonEmpty(d.WorstIdea, d.Inversion),
		CreatedAt:       timespec.ParseOr(string(d.CreatedAt), ev.Timestamp),
		Provisional:     true,
	}
	if d.VotesCount != nil && *d.VotesCount > 0 {
		idea.VotesCount = *d.VotesCount
	}
	return idea
}

func voteValueOf(raw json.RawMessage) VoteValue {
	var v VoteValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return VoteValue{}
	}
	return v
}

func phaseOf(p *int) Phase {
	if p == nil {
		return -1
	}
	return Phase(*p)
}

func firstInt(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
