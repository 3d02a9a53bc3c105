package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/internal/printer"
	"github.com/dyluth/atelier/internal/watch"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/spf13/cobra"
)

var followOutput string

var followCmd = &cobra.Command{
	Use:   "follow <workshop-id>",
	Short: "Stream a workshop's agent activity live",
	Long: `Mount a workshop and print every stream event and every phase or
sub-state change until interrupted. The stream reconnects on its own and
reconciles with the backend after a drop.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  atelier follow ws-42
  atelier follow ws-42 --output=json > events.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runFollow,
}

func init() {
	followCmd.Flags().StringVarP(&followOutput, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(followCmd)
}

func runFollow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return configError(err)
	}

	ctx, stop := interruptible(cmd.Context())
	defer stop()

	s := openSession(cfg)
	defer s.Close()

	if err := s.mount(ctx, args[0]); err != nil {
		return printer.FromError(err)
	}

	detach, err := s.print(cmd.OutOrStdout(), followOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}
	defer detach()

	if st := s.machine.State(); st.Status.IsTerminal() {
		printer.Info("Workshop %s is %s; nothing will stream.\n", st.WorkshopID, st.Status)
		return nil
	}

	<-ctx.Done()
	return nil
}

// print formats stream events and state changes of the mounted workshop to
// w. The returned func stops printing state changes.
func (s *session) print(w io.Writer, format string) (func(), error) {
	out := &lockedWriter{w: w}
	f, err := watch.NewFormatter(format, out, agentNames(s.machine.Workshop()))
	if err != nil {
		return nil, err
	}

	s.transport.OnEvent(func(ev workshop.Event) {
		_ = f.FormatEvent(ev)
	})

	// Observers run one at a time and only after the first print, so last
	// needs no lock
	last := ""
	printState := func(st phase.State) {
		key := stateKey(st)
		if key == last {
			return
		}
		last = key
		_ = f.FormatState(&st)
	}
	printState(s.machine.State())
	return s.machine.Subscribe(printState), nil
}

// stateKey identifies the changes worth printing: phase, sub-state,
// completion, connectivity, transaction and error.
func stateKey(st phase.State) string {
	return fmt.Sprintf("%d|%s|%t|%t|%s|%s", st.Phase, st.SubState, st.Complete, st.Connected, st.Transaction.State, st.Error)
}

func agentNames(ws *workshop.Workshop) map[string]string {
	names := map[string]string{}
	if ws == nil {
		return names
	}
	for _, a := range ws.Agents {
		names[a.ID] = a.Name
	}
	return names
}

// interruptible returns a context cancelled on SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
