// Package cli provides the command-line interface for Gauntlet.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/lemon07r/gauntlet/internal/config"
)

var (
	cfgFile  string
	tasksDir string
	verbose  bool
	cfg      *config.Config
	logger   *slog.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "gauntlet",
	Short: "Benchmark harness for LLM agents in sandboxed containers",
	Long: `Gauntlet runs LLM agents against benchmark tasks inside isolated Docker
sandboxes and scores the outcome with deterministic evaluators.

Each run drives an iterate loop: the controller proposes a structured
action, the sandbox executes it and returns feedback, and the loop
repeats until the agent finishes or the iteration budget runs out.

Features:
  - One fresh sandbox container per run, torn down afterwards
  - Pluggable controllers (OpenAI-compatible LLMs, human, replay)
  - Deterministic evaluator verdicts, separate from run status
  - Batch mode with parallel workers and BLAKE3 attestation`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Load config
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// Setup logger. Terminal output goes to stderr; when a log file
		// is configured, a JSON copy of every record is fanned out to it.
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		handlers := []slog.Handler{
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		}
		if cfg.Harness.LogFile != "" {
			f, err := os.OpenFile(cfg.Harness.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
		}
		logger = slog.New(slogmulti.Fanout(handlers...))

		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gauntlet.toml)")
	rootCmd.PersistentFlags().StringVar(&tasksDir, "tasks-dir", "", "external tasks directory (for development)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)
}

// Version information (set by build flags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gauntlet version %s\n", Version)
		fmt.Printf("  commit: %s\n", Commit)
		fmt.Printf("  built:  %s\n", BuildDate)
	},
}
