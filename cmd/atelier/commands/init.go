package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/atelier/internal/config"
	"github.com/dyluth/atelier/internal/printer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default atelier.yml",
	Long: `Write atelier.yml with the default settings: a local backend, a
50-event buffer, 120 second activity timeouts and no Redis mirror.

Use --force to overwrite an existing file.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing configuration file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	if path == "" {
		path = config.DefaultFile
	}

	if forceInit {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	if err := config.Write(path, config.Default()); err != nil {
		return printer.Error(
			"initialization failed",
			err.Error(),
			[]string{fmt.Sprintf("Overwrite it:\n  atelier init --force --config %s", path)},
		)
	}

	printer.Success("Wrote %s\n", path)
	return nil
}
