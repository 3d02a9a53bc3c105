package commands

import (
	"fmt"

	"github.com/dyluth/atelier/internal/printer"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/spf13/cobra"
)

var advanceCmd = &cobra.Command{
	Use:   "advance <workshop-id> <phase>",
	Short: "Move a workshop to another phase",
	Long: `Ask the backend to move a workshop to the given phase, by name or
number (0 setup, 1 empathy, 2 ideation, 3 convergence, 4 triz, 5 selection).

Moving forward is only possible one phase at a time and once the current
phase is complete. Moving back to an earlier phase is always possible and
discards the data of the phases left behind.

Examples:
  atelier advance ws-42 convergence
  atelier advance ws-42 2`,
	Args: cobra.ExactArgs(2),
	RunE: runAdvance,
}

func init() {
	rootCmd.AddCommand(advanceCmd)
}

func runAdvance(cmd *cobra.Command, args []string) error {
	target, err := workshop.ParsePhase(args[1])
	if err != nil {
		return printer.Error("invalid phase", err.Error(), []string{"Use a phase name (setup, empathy, ideation, convergence, triz, selection) or its number 0-5"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return configError(err)
	}

	s := openSession(cfg)
	defer s.Close()

	if err := s.mount(cmd.Context(), args[0]); err != nil {
		return printer.FromError(err)
	}
	from := s.machine.Phase()
	if err := s.machine.Advance(cmd.Context(), target); err != nil {
		return printer.FromError(err)
	}

	printer.Success("Workshop %s moved from %s to %s\n", args[0], from, s.machine.Phase())
	fmt.Fprintf(cmd.OutOrStdout(), "Sub-state: %s\n", s.machine.State().SubState)
	return nil
}
