package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/internal/printer"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/spf13/cobra"
)

var runOutput string

var runCmd = &cobra.Command{
	Use:   "run <workshop-id> <action> [argument]",
	Short: "Run a phase activity and wait for it to finish",
	Long: `Run one activity of the current phase while printing the agents'
live contributions. The command returns when the activity finishes, fails
or times out. Interrupting it cancels the activity.

Actions:
  empathy <empathy_map|journey|hmw>              Empathy sub-step
  generate <scamper|random_word|worst_idea>      Ideation
  vote <dot_voting|now_how_wow|impact_effort>    Convergence voting
  analyze                                        TRIZ analysis of the selection
  choose <idea-id>                               Selection final choice
  report                                         Final report

Examples:
  atelier run ws-42 generate scamper
  atelier run ws-42 vote dot_voting
  atelier run ws-42 choose idea-7`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	workshopID, action := args[0], args[1]
	argument := ""
	if len(args) == 3 {
		argument = args[2]
	}

	activity, err := parseActivity(action, argument)
	if err != nil {
		return printer.Error("invalid action", err.Error(), []string{"Run 'atelier run --help' for the list of actions"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return configError(err)
	}

	ctx, stop := interruptible(cmd.Context())
	defer stop()

	s := openSession(cfg)
	defer s.Close()

	if err := s.mount(ctx, workshopID); err != nil {
		return printer.FromError(err)
	}
	detach, err := s.print(cmd.OutOrStdout(), runOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}
	defer detach()

	if err := activity(ctx, s.machine); err != nil {
		return printer.FromError(err)
	}

	st := s.machine.State()
	printer.Success("%s finished: %s/%s\n", action, st.Phase, st.SubState)
	return nil
}

// parseActivity validates action and its argument before anything is
// mounted and returns the machine call to make.
func parseActivity(action, argument string) (func(context.Context, *phase.Machine) error, error) {
	needs := func(what string) error {
		if argument == "" {
			return fmt.Errorf("%s needs %s", action, what)
		}
		return nil
	}

	switch strings.ToLower(action) {
	case "empathy":
		if err := needs("a step"); err != nil {
			return nil, err
		}
		step := workshop.EmpathyStep(argument)
		if err := step.Validate(); err != nil {
			return nil, err
		}
		return func(ctx context.Context, m *phase.Machine) error { return m.RunEmpathyStep(ctx, step) }, nil

	case "generate":
		if err := needs("a technique"); err != nil {
			return nil, err
		}
		technique := workshop.Technique(argument)
		if err := technique.Validate(); err != nil {
			return nil, err
		}
		return func(ctx context.Context, m *phase.Machine) error { return m.GenerateIdeas(ctx, technique) }, nil

	case "vote":
		if err := needs("a voting method"); err != nil {
			return nil, err
		}
		method := workshop.VotingMethod(argument)
		if err := method.Validate(); err != nil {
			return nil, err
		}
		return func(ctx context.Context, m *phase.Machine) error { return m.StartVoting(ctx, method) }, nil

	case "analyze":
		return func(ctx context.Context, m *phase.Machine) error { return m.AnalyzeTRIZ(ctx) }, nil

	case "choose":
		if err := needs("an idea id"); err != nil {
			return nil, err
		}
		return func(ctx context.Context, m *phase.Machine) error { return m.ChooseFinal(ctx, argument) }, nil

	case "report":
		return func(ctx context.Context, m *phase.Machine) error { return m.GenerateReport(ctx) }, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}
