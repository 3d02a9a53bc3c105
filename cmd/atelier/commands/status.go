package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dyluth/atelier/internal/config"
	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/internal/printer"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// maxStatusIdeas caps the idea table of the status command.
const maxStatusIdeas = 10

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <workshop-id>",
	Short: "Show a workshop's phase, agents and ideas",
	Long: `Show the current state of a workshop as restored from the backend:
phase and sub-state, whether the phase is complete, agent activity and the
top ideas by votes.

Examples:
  atelier status ws-42
  atelier status ws-42 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the full state as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return configError(err)
	}

	s := openSession(cfg)
	defer s.Close()

	if err := s.mount(cmd.Context(), args[0]); err != nil {
		return printer.FromError(err)
	}

	state := s.machine.State()
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
	renderStatus(cmd.OutOrStdout(), state, s.machine.Workshop(), cfg)
	return nil
}

// renderStatus writes the workshop, agent and idea tables.
func renderStatus(w io.Writer, st phase.State, ws *workshop.Workshop, cfg *config.Config) {
	overview := table.NewWriter()
	overview.SetOutputMirror(w)
	overview.SetTitle(fmt.Sprintf("%s (%s)", st.Title, st.WorkshopID))
	overview.AppendRow(table.Row{"Status", st.Status})
	overview.AppendRow(table.Row{"Phase", fmt.Sprintf("%d %s", int(st.Phase), st.Phase)})
	overview.AppendRow(table.Row{"Sub-state", st.SubState})
	overview.AppendRow(table.Row{"Complete", yesNo(st.Complete)})
	overview.AppendRow(table.Row{"Stream", streamStatus(st)})
	if st.Phase == workshop.PhaseIdeation {
		overview.AppendRow(table.Row{"Ideas", fmt.Sprintf("%d / %d", len(st.Ideas), st.TargetIdeas)})
	}
	if st.Error != "" {
		overview.AppendRow(table.Row{"Error", fmt.Sprintf("%s: %s", st.ErrorKind, st.Error)})
	}
	overview.Render()

	if ws != nil && len(ws.Agents) > 0 {
		agents := table.NewWriter()
		agents.SetOutputMirror(w)
		agents.AppendHeader(table.Row{"Agent", "Personality", "Activity", "This run", "Total"})
		for _, a := range ws.Agents {
			theme := cfg.Theme(a.Personality)
			p := st.Agents[a.ID]
			agents.AppendRow(table.Row{
				a.Name,
				printer.Colorize(theme.Color, theme.Symbol+" "+theme.Label),
				p.Status,
				p.Contributions,
				a.ContributionsCount,
			})
		}
		agents.Render()
	}

	if len(st.Ideas) > 0 {
		ideas := append([]workshop.Idea(nil), st.Ideas...)
		sort.SliceStable(ideas, func(i, j int) bool { return ideas[i].VotesCount > ideas[j].VotesCount })
		selected := map[string]bool{}
		for _, id := range st.Selected {
			selected[id] = true
		}

		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.AppendHeader(table.Row{"", "Idea", "Title", "Votes"})
		for i, idea := range ideas {
			if i == maxStatusIdeas {
				t.AppendFooter(table.Row{"", "", fmt.Sprintf("… %d more", len(ideas)-maxStatusIdeas), ""})
				break
			}
			mark := ""
			switch {
			case idea.ID == st.FinalIdeaID:
				mark = "🏆"
			case selected[idea.ID]:
				mark = "★"
			}
			t.AppendRow(table.Row{mark, idea.ID, idea.Title, idea.VotesCount})
		}
		t.Render()
	}

	if st.Report != nil {
		fmt.Fprintf(w, "Report ready for idea %s (%d characters)\n", st.Report.FinalIdeaID, len(st.Report.Content))
	}
}

func streamStatus(st phase.State) string {
	switch {
	case st.Connected:
		return "connected"
	case st.Status.IsTerminal():
		return "closed (workshop " + string(st.Status) + ")"
	case st.StreamError != "":
		return "disconnected: " + st.StreamError
	default:
		return "disconnected"
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatMillis renders a unix millisecond timestamp in local time.
func formatMillis(ms int64) string {
	if ms <= 0 {
		return "unknown"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
