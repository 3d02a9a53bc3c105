package watch

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/pkg/workshop"
)

// Formatter writes events and snapshots in one output format.
type Formatter interface {
	FormatEvent(ev workshop.Event) error
	FormatState(s *phase.State) error
	FormatError(err error) error
}

// NewFormatter returns the formatter for format ("default" or "json").
// names maps agent ids to display names for the default format.
func NewFormatter(format string, w io.Writer, names map[string]string) (Formatter, error) {
	switch format {
	case "", "default":
		return &defaultFormatter{writer: w, names: names}, nil
	case "json":
		return &jsonFormatter{writer: w}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (must be 'default' or 'json')", format)
	}
}

type defaultFormatter struct {
	writer io.Writer
	names  map[string]string
}

func (f *defaultFormatter) agent(id string) string {
	if name, ok := f.names[id]; ok && name != "" {
		return name
	}
	return id
}

func (f *defaultFormatter) FormatEvent(ev workshop.Event) error {
	ts := ev.Timestamp.Local().Format("15:04:05")
	_, err := fmt.Fprintf(f.writer, "[%s] %s\n", ts, f.describe(ev))
	return err
}

func (f *defaultFormatter) describe(ev workshop.Event) string {
	switch p := ev.Payload.(type) {
	case workshop.PhaseStarted:
		if p.Step != "" {
			return fmt.Sprintf("▶️  Phase started: %s step=%s", p.Phase, p.Step)
		}
		return fmt.Sprintf("▶️  Phase started: %s", p.Phase)
	case workshop.PhaseComplete:
		if p.Step != "" {
			return fmt.Sprintf("🏁 Step complete: %s step=%s", p.Phase, p.Step)
		}
		return fmt.Sprintf("🏁 Phase complete: %s", p.Phase)
	case workshop.AgentStarted:
		return fmt.Sprintf("🤖 Agent started: agent=%s", f.agent(ev.AgentID))
	case workshop.AgentCompleted:
		return fmt.Sprintf("✅ Agent completed: agent=%s", f.agent(ev.AgentID))
	case workshop.IdeaGenerated:
		return fmt.Sprintf("💡 Idea: %q agent=%s technique=%s", p.Idea.Title, f.agent(ev.AgentID), p.Idea.Technique)
	case workshop.IdeationComplete:
		return fmt.Sprintf("🎉 Ideation complete: ideas=%d", p.TotalIdeas)
	case workshop.VoteCast:
		return fmt.Sprintf("🗳️  Vote: agent=%s idea=%s weight=%d", f.agent(ev.AgentID), ev.IdeaID, p.Vote.Value.Weight())
	case workshop.VotingComplete:
		return fmt.Sprintf("🎉 Voting complete: votes=%d", p.TotalVotes)
	case workshop.EmpathyContribution:
		return fmt.Sprintf("💬 Empathy: agent=%s %q", f.agent(ev.AgentID), p.Item.Content)
	case workshop.JourneyStage:
		return fmt.Sprintf("🧭 Journey stage: agent=%s %q", f.agent(ev.AgentID), p.Item.Content)
	case workshop.HMWQuestion:
		return fmt.Sprintf("❓ How might we: agent=%s %q", f.agent(ev.AgentID), p.Item.Content)
	case workshop.TrizStarted:
		return fmt.Sprintf("🔬 TRIZ started: idea=%s", p.IdeaID)
	case workshop.TrizAnalysisComplete:
		return fmt.Sprintf("🔬 TRIZ analysis: idea=%s principles=%s", p.Analysis.IdeaID, strings.Join(p.Analysis.Principles, ","))
	case workshop.ErrorPayload:
		if workshop.UsableID(ev.AgentID) {
			return fmt.Sprintf("❌ Error: agent=%s %s", f.agent(ev.AgentID), p.Message)
		}
		return fmt.Sprintf("❌ Error: %s", p.Message)
	case workshop.Message:
		if p.Name != "" {
			return fmt.Sprintf("📝 %s: %s", p.Name, p.Text)
		}
		return fmt.Sprintf("📝 %s", p.Text)
	default:
		return fmt.Sprintf("📝 %s", ev.Kind)
	}
}

func (f *defaultFormatter) FormatState(s *phase.State) error {
	var b strings.Builder
	fmt.Fprintf(&b, "📍 %s/%s", s.Phase, s.SubState)
	if s.Complete {
		b.WriteString(" ✓")
	}
	if s.Phase == workshop.PhaseIdeation {
		fmt.Fprintf(&b, " ideas=%d/%d", len(s.Ideas), s.TargetIdeas)
	} else if len(s.Ideas) > 0 {
		fmt.Fprintf(&b, " ideas=%d", len(s.Ideas))
	}
	if len(s.Selected) > 0 {
		fmt.Fprintf(&b, " selected=%d", len(s.Selected))
	}

	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := s.Agents[id]
		name := s.AgentNames[id]
		if name == "" {
			name = f.agent(id)
		}
		fmt.Fprintf(&b, " %s:%s(%d)", name, p.Status, p.Contributions)
	}

	if !s.Connected {
		b.WriteString(" [disconnected]")
	}
	if s.Transaction.State == phase.TxPending {
		fmt.Fprintf(&b, " [advancing to %s]", s.Transaction.Target)
	}
	if s.Error != "" {
		fmt.Fprintf(&b, " error(%s)=%s", s.ErrorKind, s.Error)
	}

	_, err := fmt.Fprintln(f.writer, b.String())
	return err
}

func (f *defaultFormatter) FormatError(err error) error {
	_, werr := fmt.Fprintf(f.writer, "⚠️  %v\n", err)
	return werr
}

type jsonFormatter struct {
	writer io.Writer
}

type jsonLine struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func (f *jsonFormatter) write(line jsonLine) error {
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", line.Event, err)
	}
	_, err = fmt.Fprintln(f.writer, string(b))
	return err
}

func (f *jsonFormatter) FormatEvent(ev workshop.Event) error {
	return f.write(jsonLine{
		Event:     string(ev.Kind),
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      ev,
	})
}

func (f *jsonFormatter) FormatState(s *phase.State) error {
	return f.write(jsonLine{Event: "state", Data: s})
}

func (f *jsonFormatter) FormatError(err error) error {
	return f.write(jsonLine{Event: "error", Data: map[string]string{"message": err.Error()}})
}
