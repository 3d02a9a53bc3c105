package commands

import (
	"github.com/dyluth/atelier/internal/printer"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/spf13/cobra"
)

var selectCmd = &cobra.Command{
	Use:   "select <workshop-id> <idea-id>...",
	Short: "Pick 3 to 5 ideas and move on to TRIZ",
	Long: `Select the ideas to carry forward from Convergence, save the
selection and advance the workshop to TRIZ. Voting must have happened and
3 to 5 distinct ideas must be given.

Example:
  atelier select ws-42 idea-3 idea-7 idea-12`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSelect,
}

func init() {
	rootCmd.AddCommand(selectCmd)
}

func runSelect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return configError(err)
	}

	s := openSession(cfg)
	defer s.Close()

	if err := s.mount(cmd.Context(), args[0]); err != nil {
		return printer.FromError(err)
	}
	if err := s.machine.SelectIdeas(args[1:]); err != nil {
		return printer.FromError(err)
	}
	if err := s.machine.Advance(cmd.Context(), workshop.PhaseTRIZ); err != nil {
		return printer.FromError(err)
	}

	printer.Success("Selected %d ideas; workshop %s is now in %s\n", len(args)-1, args[0], s.machine.Phase())
	return nil
}
