package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dyluth/atelier/internal/config"
	"github.com/dyluth/atelier/internal/printer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "Atelier - follow and drive multi-agent design workshops",
	Long: `Atelier connects to a design workshop backend and follows a workshop
through its six phases: Setup, Empathy, Ideation, Convergence, TRIZ and
Selection.

Agent activity streams in live over Server-Sent Events, while phase
changes are only ever made through server-confirmed transitions. The
observable state can be mirrored into Redis for other processes to watch.

Every flag can also be set through an ATELIER_* environment variable,
e.g. ATELIER_BACKEND_URL.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Cobra's own error output is silenced since
// the printer package prints formatted errors.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", config.DefaultFile, "path to atelier.yml")
	rootCmd.PersistentFlags().String("backend-url", "", "workshop backend base URL (overrides backend.url)")
	rootCmd.PersistentFlags().String("redis-url", "", "mirror state to this Redis (overrides board.redis_url)")
	rootCmd.PersistentFlags().String("namespace", "", "board namespace (overrides board.namespace)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("backend-url", rootCmd.PersistentFlags().Lookup("backend-url"))
	_ = viper.BindPFlag("redis-url", rootCmd.PersistentFlags().Lookup("redis-url"))
	_ = viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
}

func initConfig() {
	viper.SetEnvPrefix("ATELIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads atelier.yml and layers flags and environment on top. A
// missing default file falls back to the built-in defaults; a missing file
// named explicitly is an error.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = config.DefaultFile
	}

	var cfg *config.Config
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case errors.Is(statErr, os.ErrNotExist) && path == config.DefaultFile:
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("failed to read config: %w", statErr)
	}

	if u := viper.GetString("backend-url"); u != "" {
		cfg.Backend.URL = u
	}
	if u := viper.GetString("redis-url"); u != "" {
		if cfg.Board == nil {
			cfg.Board = &config.BoardConfig{}
		}
		cfg.Board.RedisURL = u
	}
	if ns := viper.GetString("namespace"); ns != "" && cfg.Board != nil {
		cfg.Board.Namespace = ns
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// configError prints a config failure with the usual fixes.
func configError(err error) error {
	return printer.Error(
		"configuration error",
		err.Error(),
		[]string{
			"Create a default configuration:\n  atelier init",
			"Set the backend directly:\n  atelier --backend-url http://localhost:8000/api <command>",
		},
	)
}
