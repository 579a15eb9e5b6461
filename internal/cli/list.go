package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lemon07r/gauntlet/internal/runner"
	"github.com/lemon07r/gauntlet/internal/task"
	"github.com/lemon07r/gauntlet/tasks"
)

var (
	listKind string
	listJSON bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available tasks",
	Long:  `Lists all available benchmark tasks, optionally filtered by kind.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := runner.NewRunner(cfg, tasks.FS, tasksDir, logger)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()

		var taskList []*task.Task
		if listKind != "" {
			kind, err := task.ParseKind(listKind)
			if err != nil {
				return err
			}
			taskList, err = r.ListTasksByKind(kind)
			if err != nil {
				return err
			}
		} else {
			taskList, err = r.ListTasks()
			if err != nil {
				return err
			}
		}

		if listJSON {
			return outputJSON(taskList)
		}

		return outputTable(taskList)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listKind, "kind", "k", "", "filter by kind (shell, file, browser, code, unified)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
}

func outputJSON(tasks []*task.Task) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tasks)
}

func outputTable(taskList []*task.Task) error {
	if len(taskList) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tITERATIONS\tEVALUATOR\tINSTRUCTION")
	fmt.Fprintln(w, "----\t----\t----------\t---------\t-----------")

	for _, t := range taskList {
		iterations := "default"
		if t.MaxIterations > 0 {
			iterations = fmt.Sprintf("%d", t.MaxIterations)
		}
		evaluator := "-"
		if len(t.Evaluator.Command) > 0 {
			evaluator = "yes"
		}
		// Instructions are often multi-line; flatten for the table.
		instruction := strings.Join(strings.Fields(t.Instruction), " ")
		if len(instruction) > 50 {
			instruction = instruction[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Kind, iterations, evaluator, instruction)
	}

	return w.Flush()
}
