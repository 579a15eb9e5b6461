package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lemon07r/gauntlet/internal/runner"
	"github.com/lemon07r/gauntlet/internal/task"
	"github.com/lemon07r/gauntlet/tasks"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show <task>",
	Short: "Display task details",
	Long: `Shows the full definition of a benchmark task: instruction, sandbox
image, iteration budget, and evaluator.

Example:
  gauntlet show echo-hi
  gauntlet show echo-hi --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := runner.NewRunner(cfg, tasks.FS, tasksDir, logger)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()

		t, err := r.Loader().Load(args[0])
		if err != nil {
			return err
		}

		if showJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		}

		return displayTask(t)
	},
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "output as JSON")
}

func displayTask(t *task.Task) error {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf(" TASK: %s\n", t.Name)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf(" Kind:           %s\n", t.Kind)
	if t.MaxIterations > 0 {
		fmt.Printf(" Max Iterations: %d\n", t.MaxIterations)
	} else {
		fmt.Printf(" Max Iterations: default (%d)\n", cfg.Harness.MaxIterations)
	}
	if t.Timeout > 0 {
		fmt.Printf(" Timeout:        %ds\n", t.Timeout)
	}
	if t.Docker.Image != "" {
		fmt.Printf(" Image:          %s\n", t.Docker.Image)
	} else {
		fmt.Printf(" Image:          default (%s)\n", cfg.Docker.DefaultImage)
	}
	if len(t.Docker.Env) > 0 {
		fmt.Println(" Env:")
		for k, v := range t.Docker.Env {
			fmt.Printf("   %s=%s\n", k, v)
		}
	}
	if len(t.InitFiles) > 0 {
		fmt.Printf(" Init Files:     %s\n", strings.Join(t.InitFiles, ", "))
	}

	fmt.Println()
	fmt.Println(" ─────────────────────────────────────────────────────────")
	fmt.Println(" INSTRUCTION")
	fmt.Println(" ─────────────────────────────────────────────────────────")
	for _, line := range strings.Split(strings.TrimRight(t.Instruction, "\n"), "\n") {
		fmt.Printf(" %s\n", line)
	}

	fmt.Println()
	fmt.Println(" ─────────────────────────────────────────────────────────")
	fmt.Println(" EVALUATOR")
	fmt.Println(" ─────────────────────────────────────────────────────────")
	if len(t.Evaluator.Command) == 0 {
		fmt.Println(" none (run status decides the outcome)")
	} else {
		fmt.Printf(" Command:       %s\n", strings.Join(t.Evaluator.Command, " "))
		fmt.Printf(" Needs Sandbox: %t\n", t.Evaluator.NeedsSandbox)
		if t.Evaluator.Timeout > 0 {
			fmt.Printf(" Timeout:       %ds\n", t.Evaluator.Timeout)
		}
	}
	fmt.Println()

	return nil
}
