package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/atelier/internal/board"
	"github.com/dyluth/atelier/internal/printer"
	"github.com/dyluth/atelier/internal/watch"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var watchOutput string

var watchCmd = &cobra.Command{
	Use:   "watch <workshop-id>",
	Short: "Watch a workshop mirrored by another atelier process",
	Long: `Follow the state snapshots another atelier process mirrors into
Redis, without connecting to the workshop backend. Requires a board
section in atelier.yml or --redis-url.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  atelier watch ws-42 --redis-url redis://localhost:6379
  atelier watch ws-42 --output=json`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	workshopID := args[0]

	f, err := watch.NewFormatter(watchOutput, &lockedWriter{w: cmd.OutOrStdout()}, nil)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return configError(err)
	}
	if cfg.Board == nil {
		return printer.Error(
			"no board configured",
			"watch reads the state mirrored into Redis, but no Redis is configured.",
			[]string{"Add a board section to atelier.yml", "Pass --redis-url redis://host:6379"},
		)
	}

	opts, err := redis.ParseURL(cfg.Board.RedisURL)
	if err != nil {
		return configError(fmt.Errorf("invalid board.redis_url: %w", err))
	}
	client, err := board.NewClient(opts, cfg.Board.Namespace)
	if err != nil {
		return configError(err)
	}
	defer client.Close()

	ctx, stop := interruptible(cmd.Context())
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Board.WriteTimeout)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		return printer.ErrorWithContext(
			"Redis unreachable",
			err.Error(),
			map[string]string{"Redis": cfg.Board.RedisURL, "Namespace": cfg.Board.Namespace},
			[]string{"Check that Redis is running and that the URL is correct"},
		)
	}

	sub, err := client.Subscribe(ctx, workshopID)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	if summary, err := client.GetSummary(ctx, workshopID); err == nil {
		printer.Info("Last known state of %s: %s/%s (updated %s)\n", workshopID, summary.Phase, summary.SubState,
			printer.Faint(formatMillis(summary.UpdatedAtMs)))
	} else if board.IsNotFound(err) {
		printer.Info("Nothing mirrored for %s yet; waiting...\n", workshopID)
	} else {
		return fmt.Errorf("failed to read workshop state: %w", err)
	}

	return watch.Follow(ctx, sub, f)
}
