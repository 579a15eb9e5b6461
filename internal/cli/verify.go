package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lemon07r/gauntlet/internal/task"
	"github.com/lemon07r/gauntlet/tasks"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <batch-dir>",
	Short: "Verify integrity of a batch submission",
	Long: `Verifies the integrity of a batch submission by checking hashes.

This command checks:
  1. Results hash - ensures summary.json wasn't modified after generation
  2. Task hashes - ensures tasks match your embedded version (same harness)

No tasks are re-run; this only validates hash integrity.

Examples:
  gauntlet verify ./results/batch-2026-01-07T120000
  gauntlet verify /path/to/submission`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchDir := args[0]

		// Load attestation.json
		attestationPath := filepath.Join(batchDir, "attestation.json")
		attestationData, err := os.ReadFile(attestationPath)
		if err != nil {
			return fmt.Errorf("reading attestation.json: %w", err)
		}

		var attestation EvalAttestation
		if err := json.Unmarshal(attestationData, &attestation); err != nil {
			return fmt.Errorf("parsing attestation.json: %w", err)
		}

		// Load summary.json
		summaryPath := filepath.Join(batchDir, "summary.json")
		summaryData, err := os.ReadFile(summaryPath)
		if err != nil {
			return fmt.Errorf("reading summary.json: %w", err)
		}

		var summary BatchSummary
		if err := json.Unmarshal(summaryData, &summary); err != nil {
			return fmt.Errorf("parsing summary.json: %w", err)
		}

		// Print header
		fmt.Println()
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println(" GAUNTLET - Submission Verification")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		// Show submission info
		fmt.Printf(" Controller: %s\n", attestation.Eval.Controller)
		if attestation.Eval.Model != "" {
			fmt.Printf(" Model:      %s\n", attestation.Eval.Model)
		}
		fmt.Printf(" Timestamp:  %s\n", attestation.Eval.Timestamp)
		fmt.Printf(" Harness:    %s (built %s)\n", attestation.Harness.Version, attestation.Harness.BuildDate)
		fmt.Printf(" Tasks:      %d\n", len(attestation.Tasks))
		fmt.Println()

		passed := 0
		failed := 0
		warnings := 0

		// 1. Verify results hash
		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Verifying Results Integrity")
		fmt.Println("─────────────────────────────────────────────────────────────")

		resultsJSON, _ := json.Marshal(summary.Results)
		computedResultsHash := hashBytes(resultsJSON)

		if computedResultsHash == attestation.Integrity.ResultsHash {
			fmt.Println(" ✓ Results hash matches - summary.json is unmodified")
			passed++
		} else {
			fmt.Println(" ✗ Results hash MISMATCH - summary.json may have been tampered with")
			fmt.Printf("   Expected: %s\n", attestation.Integrity.ResultsHash)
			fmt.Printf("   Got:      %s\n", computedResultsHash)
			failed++
		}
		fmt.Println()

		// 2. Verify task hashes against our embedded tasks
		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Verifying Task Hashes")
		fmt.Println("─────────────────────────────────────────────────────────────")

		loader := task.NewLoader(tasks.FS, tasksDir)
		allTasks, err := loader.LoadAll()
		if err != nil {
			return fmt.Errorf("loading tasks: %w", err)
		}

		// Build task map
		taskMap := make(map[string]*task.Task)
		for _, t := range allTasks {
			taskMap[t.Name] = t
		}

		taskMatches := 0
		taskMismatches := 0
		taskMissing := 0

		for taskName, taskAttest := range attestation.Tasks {
			t := taskMap[taskName]
			if t == nil {
				fmt.Printf(" ? %s - not found in this harness version\n", taskName)
				taskMissing++
				continue
			}

			ourTaskHash, err := hashTaskFiles(loader, t)
			if err != nil {
				fmt.Printf(" ? %s - hashing failed: %v\n", taskName, err)
				taskMissing++
				continue
			}

			if ourTaskHash == taskAttest.TaskHash {
				taskMatches++
			} else {
				fmt.Printf(" ✗ %s - hash mismatch (different task version)\n", taskName)
				fmt.Printf("     theirs: %s\n", taskAttest.TaskHash)
				fmt.Printf("     ours:   %s\n", ourTaskHash)
				taskMismatches++
			}
		}

		if taskMismatches == 0 && taskMissing == 0 {
			fmt.Printf(" ✓ All %d task hashes match - same task versions used\n", taskMatches)
			passed++
		} else {
			if taskMismatches > 0 {
				fmt.Printf(" ✗ %d task(s) have different hashes\n", taskMismatches)
				failed++
			}
			if taskMissing > 0 {
				fmt.Printf(" ? %d task(s) not found in this harness\n", taskMissing)
				warnings++
			}
			if taskMatches > 0 {
				fmt.Printf(" ✓ %d task(s) match\n", taskMatches)
			}
		}
		fmt.Println()

		// 3. Version check
		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Version Compatibility")
		fmt.Println("─────────────────────────────────────────────────────────────")

		if attestation.Harness.Version == Version {
			fmt.Printf(" ✓ Harness version matches (%s)\n", Version)
			passed++
		} else {
			fmt.Printf(" ! Harness version differs (theirs: %s, yours: %s)\n",
				attestation.Harness.Version, Version)
			fmt.Println("   Task hashes may differ due to version mismatch")
			warnings++
		}
		fmt.Println()

		// Summary
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println(" VERIFICATION SUMMARY")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		if failed == 0 {
			fmt.Printf(" ✓ PASSED: %d checks passed", passed)
			if warnings > 0 {
				fmt.Printf(", %d warnings", warnings)
			}
			fmt.Println()
			fmt.Println()
			fmt.Println(" The submission appears to be authentic and unmodified.")
		} else {
			fmt.Printf(" ✗ FAILED: %d checks failed, %d passed", failed, passed)
			if warnings > 0 {
				fmt.Printf(", %d warnings", warnings)
			}
			fmt.Println()
			fmt.Println()
			fmt.Println(" The submission may have been tampered with or uses different task versions.")
		}

		// Show claimed results
		fmt.Println()
		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Println(" Claimed Results")
		fmt.Println("─────────────────────────────────────────────────────────────")
		fmt.Printf(" Pass Rate: %.1f%% (%d/%d)\n", summary.PassRate, summary.Passed, summary.Total)
		fmt.Println()

		if failed > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
