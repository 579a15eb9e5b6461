package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lemon07r/gauntlet/internal/config"
	"github.com/lemon07r/gauntlet/internal/protocol"
	"github.com/lemon07r/gauntlet/internal/result"
	"github.com/lemon07r/gauntlet/internal/runner"
	"github.com/lemon07r/gauntlet/tasks"
)

var (
	runController    string
	runModel         string
	runMaxIterations int
	runTimeout       int
	runOutput        string
	runPort          int
	runKeepSandbox   bool
	runSkipEval      bool
	runReplay        string
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run one task against a controller",
	Long: `Executes a single benchmark task in a fresh sandbox container.

The controller is chosen with --controller and must name a profile from
the config file or a built-in one (openai, local, human). With --replay
the run re-issues the actions of a previous session instead of asking a
live controller.

Examples:
  gauntlet run echo-hi
  gauntlet run echo-hi --controller local
  gauntlet run echo-hi --controller openai --model gpt-4o-mini
  gauntlet run web-scrape --max-iterations 20 --keep-sandbox
  gauntlet run echo-hi --replay sessions/echo-hi-2026-01-07T120000-a1b2c3d4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskName := args[0]

		if err := overrideModel(runController, runModel); err != nil {
			return err
		}

		r, err := runner.NewRunner(cfg, tasks.FS, tasksDir, logger)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()

		// Setup context with cancellation
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Handle signals for graceful shutdown
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh) // Prevent goroutine leak
		go func() {
			select {
			case <-sigCh:
				fmt.Println("\nReceived interrupt, stopping...")
				cancel()
			case <-ctx.Done():
				// Context cancelled, exit goroutine
			}
		}()

		// Live terminal output: header once, then one block per iteration.
		headerShown := false
		onEntry := func(res *result.RunResult, entry *protocol.TraceEntry) {
			if !headerShown {
				fmt.Print(result.FormatHeader(res))
				headerShown = true
			}
			fmt.Print(result.FormatTerminal(res, entry))
		}

		res, err := r.Run(ctx, runner.RunOptions{
			TaskName:      taskName,
			Controller:    runController,
			ReplaySession: runReplay,
			MaxIterations: runMaxIterations,
			Timeout:       runTimeout,
			OutputDir:     runOutput,
			HostPort:      runPort,
			KeepSandbox:   runKeepSandbox,
			SkipEval:      runSkipEval,
			OnEntry:       onEntry,
		})

		// Print final result
		if res != nil {
			fmt.Print(result.FormatFinalResult(res))
			outputDir := runOutput
			if outputDir == "" {
				outputDir = cfg.Harness.SessionDir
			}
			fmt.Printf(" Session saved to: %s\n\n", res.SessionDir(outputDir))
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil // Graceful shutdown
			}
			return err
		}

		// Return error to indicate non-zero exit (handled in Execute).
		// A run without a verdict exits by run status alone; a run with
		// an evaluated verdict exits by what the evaluator decided.
		if res != nil {
			if !res.Succeeded() {
				return &exitError{code: 1}
			}
			if res.Verdict != nil && res.Verdict.State == result.VerdictEvaluated && !res.Verdict.Passed {
				return &exitError{code: 1}
			}
		}

		return nil
	},
}

// exitError is a sentinel error for non-zero exit codes.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// overrideModel writes a model override back into the named controller
// profile so the runner and the result metadata both see it.
func overrideModel(name, model string) error {
	if model == "" {
		return nil
	}
	ctrl := cfg.Controller(name)
	if ctrl == nil {
		return fmt.Errorf("unknown controller: %s (available: %s)",
			name, strings.Join(cfg.ListControllers(), ", "))
	}
	override := *ctrl
	override.Model = model
	if cfg.Controllers == nil {
		cfg.Controllers = make(map[string]config.ControllerConfig)
	}
	cfg.Controllers[name] = override
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runController, "controller", "openai", "controller profile to use")
	runCmd.Flags().StringVar(&runModel, "model", "", "override the profile's model")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration budget (default from task, then config)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "run timeout in seconds (default from task, then config)")
	runCmd.Flags().StringVar(&runOutput, "output", "", "session output directory (default from config)")
	runCmd.Flags().IntVar(&runPort, "port", 0, "host port for the sandbox (default from config)")
	runCmd.Flags().BoolVar(&runKeepSandbox, "keep-sandbox", false, "keep the container after the run for debugging")
	runCmd.Flags().BoolVar(&runSkipEval, "skip-eval", false, "skip the evaluator after the run")
	runCmd.Flags().StringVar(&runReplay, "replay", "", "replay actions from a previous session directory")
}
