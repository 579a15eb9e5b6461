package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"github.com/lemon07r/gauntlet/internal/config"
	"github.com/lemon07r/gauntlet/internal/result"
	"github.com/lemon07r/gauntlet/internal/runner"
	"github.com/lemon07r/gauntlet/internal/task"
	"github.com/lemon07r/gauntlet/tasks"
)

var (
	batchTasks         string
	batchKind          string
	batchController    string
	batchModel         string
	batchParallel      int
	batchRepeat        int
	batchDryRun        bool
	batchOutput        string
	batchKeepSandboxes bool
	batchSkipEval      bool
)

// BatchResult holds the outcome of one task run within a batch.
type BatchResult struct {
	Task             string  `json:"task"`
	Kind             string  `json:"kind"`
	Repeat           int     `json:"repeat,omitempty"`
	Session          string  `json:"session,omitempty"`
	Status           string  `json:"status"`
	Verdict          string  `json:"verdict,omitempty"`
	Passed           bool    `json:"passed"`
	Iterations       int     `json:"iterations"`
	Duration         float64 `json:"duration_seconds"`
	Requests         int     `json:"requests,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// BatchAggregate summarizes results for one task kind.
type BatchAggregate struct {
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errored  int     `json:"errored"`
	Total    int     `json:"total"`
	PassRate float64 `json:"pass_rate"`
	Duration float64 `json:"duration_seconds"`
}

// BatchSummary holds the overall batch outcome, persisted as summary.json.
type BatchSummary struct {
	Controller       string                    `json:"controller"`
	Model            string                    `json:"model,omitempty"`
	Timestamp        string                    `json:"timestamp"`
	Parallel         int                       `json:"parallel"`
	Repeat           int                       `json:"repeat,omitempty"`
	Results          []BatchResult             `json:"results"`
	Passed           int                       `json:"passed"`
	Failed           int                       `json:"failed"`
	Errored          int                       `json:"errored"`
	Total            int                       `json:"total"`
	PassRate         float64                   `json:"pass_rate"`
	Duration         float64                   `json:"duration_seconds"`
	Requests         int                       `json:"requests,omitempty"`
	PromptTokens     int                       `json:"prompt_tokens,omitempty"`
	CompletionTokens int                       `json:"completion_tokens,omitempty"`
	ByKind           map[string]BatchAggregate `json:"by_kind,omitempty"`
}

// EvalAttestation is persisted as attestation.json next to summary.json so
// a submission can be checked later with `gauntlet verify`.
type EvalAttestation struct {
	Harness   HarnessAttestation         `json:"harness"`
	Eval      EvalInfo                   `json:"eval"`
	Tasks     map[string]TaskAttestation `json:"tasks"`
	Integrity IntegrityInfo              `json:"integrity"`
}

// HarnessAttestation records which harness build produced a batch.
type HarnessAttestation struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// EvalInfo records what was evaluated.
type EvalInfo struct {
	Controller string `json:"controller"`
	Model      string `json:"model,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// TaskAttestation pins the content hash of one task.
type TaskAttestation struct {
	TaskHash string `json:"task_hash"`
}

// IntegrityInfo pins the content hash of the batch results.
type IntegrityInfo struct {
	ResultsHash string `json:"results_hash"`
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run many tasks against one controller",
	Long: `Runs all (or selected) benchmark tasks against a controller and writes
an aggregated summary with a BLAKE3 attestation.

Each task gets its own fresh sandbox container. With --parallel N, up to
N runs execute concurrently, each worker on its own host port.

Examples:
  gauntlet batch --controller openai
  gauntlet batch --controller local --tasks echo-hi,py-fib
  gauntlet batch --kind shell --parallel 4
  gauntlet batch --repeat 3 --output ./results/nightly
  gauntlet batch --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := overrideModel(batchController, batchModel); err != nil {
			return err
		}

		// Tasks are loaded without a runner so --dry-run works while
		// the docker daemon is down.
		loader := task.NewLoader(tasks.FS, tasksDir)
		allTasks, err := loader.LoadAll()
		if err != nil {
			return fmt.Errorf("loading tasks: %w", err)
		}
		allTasks, err = filterTasks(allTasks, batchTasks, batchKind)
		if err != nil {
			return err
		}
		if len(allTasks) == 0 {
			return fmt.Errorf("no tasks match the specified filters")
		}

		repeat := batchRepeat
		if repeat < 1 {
			repeat = 1
		}
		parallel := batchParallel
		if parallel <= 0 {
			parallel = cfg.Batch.Parallel
		}
		if parallel <= 0 {
			parallel = 1
		}

		// Dry-run mode.
		if batchDryRun {
			fmt.Println()
			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			fmt.Println(" GAUNTLET - Batch Dry Run")
			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			fmt.Println()
			fmt.Printf(" Controller: %s\n", batchController)
			if batchModel != "" {
				fmt.Printf(" Model:      %s\n", batchModel)
			}
			fmt.Printf(" Parallel:   %d\n", parallel)
			fmt.Printf(" Tasks:      %d\n", len(allTasks))
			fmt.Printf(" Repeat:     %d\n", repeat)
			fmt.Printf(" Total runs: %d\n", len(allTasks)*repeat)
			fmt.Println()
			for i, t := range allTasks {
				fmt.Printf(" %d. %s (kind: %s, budget: %d)\n",
					i+1, t.Name, t.Kind, resolveIterations(t))
			}
			fmt.Println()
			return nil
		}

		r, err := runner.NewRunner(cfg, tasks.FS, tasksDir, logger)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()

		// Setup context with cancellation
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				fmt.Println("\nReceived interrupt, finishing started runs...")
				cancel()
			case <-ctx.Done():
			}
		}()

		// Create output directory
		timestamp := time.Now().Format("2006-01-02T150405")
		outputDir := batchOutput
		if outputDir == "" {
			outputDir = filepath.Join(cfg.Harness.ResultsDir, fmt.Sprintf("batch-%s", timestamp))
		}
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		sessionDir := filepath.Join(outputDir, "sessions")

		// Print header
		fmt.Println()
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println(" GAUNTLET - Batch Run")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		fmt.Printf(" Controller: %s\n", batchController)
		if batchModel != "" {
			fmt.Printf(" Model:      %s\n", batchModel)
		}
		if parallel > 1 {
			fmt.Printf(" Parallel:   %d\n", parallel)
		}
		if repeat > 1 {
			fmt.Printf(" Repeat:     %d\n", repeat)
		}
		fmt.Printf(" Tasks:      %d\n", len(allTasks))
		fmt.Printf(" Output:     %s\n", outputDir)
		fmt.Println()

		// Build the work list: tasks in order, then the whole list again
		// per repeat, so early repeats cover every task.
		type workItem struct {
			t   *task.Task
			rep int
		}
		var items []workItem
		for rep := 1; rep <= repeat; rep++ {
			for _, t := range allTasks {
				items = append(items, workItem{t: t, rep: rep})
			}
		}

		// Run tasks
		var results []BatchResult

		if parallel == 1 {
			for i, it := range items {
				if ctx.Err() != nil {
					break
				}
				fmt.Println("─────────────────────────────────────────────────────────────")
				fmt.Printf(" [%d/%d] %s\n", i+1, len(items), batchRunLabel(it.t.Name, it.rep, repeat))
				fmt.Println("─────────────────────────────────────────────────────────────")

				br := runBatchTask(ctx, r, it.t, it.rep, cfg.Sandbox.HostPortBase, sessionDir)
				results = append(results, br)
				printBatchResult(br)
				fmt.Println()
			}
		} else {
			type job struct {
				idx int
				it  workItem
			}
			type jobResult struct {
				idx int
				br  BatchResult
			}

			jobs := make(chan job)
			jobResults := make(chan jobResult)

			var wg sync.WaitGroup
			for w := range parallel {
				wg.Add(1)
				go func() {
					defer wg.Done()
					// Each worker owns one host port, so concurrent
					// sandboxes never collide.
					port := cfg.Sandbox.HostPortBase + w
					for j := range jobs {
						br := runBatchTask(ctx, r, j.it.t, j.it.rep, port, sessionDir)
						jobResults <- jobResult{idx: j.idx, br: br}
					}
				}()
			}

			go func() {
			feed:
				for i, it := range items {
					select {
					case jobs <- job{idx: i, it: it}:
					case <-ctx.Done():
						break feed
					}
				}
				close(jobs)
				wg.Wait()
				close(jobResults)
			}()

			collected := make([]BatchResult, len(items))
			seen := 0
			for jr := range jobResults {
				collected[jr.idx] = jr.br
				seen++
				fmt.Printf(" [%d/%d] %s %s (%.1fs)\n",
					seen, len(items),
					batchRunLabel(jr.br.Task, jr.br.Repeat, repeat),
					strings.ToUpper(batchOutcome(jr.br)),
					jr.br.Duration)
				if jr.br.Error != "" {
					fmt.Printf("   Error: %s\n", jr.br.Error)
				}
			}
			// Interrupted batches leave unfilled slots behind.
			for _, br := range collected {
				if br.Task != "" {
					results = append(results, br)
				}
			}
		}

		summary := summarizeBatch(results, batchController, cfg.Controller(batchController), timestamp, parallel, repeat)

		// Print summary
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println(" BATCH SUMMARY")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		fmt.Printf(" Controller: %s\n", summary.Controller)
		if summary.Model != "" {
			fmt.Printf(" Model:      %s\n", summary.Model)
		}
		fmt.Printf(" Passed:     %d\n", summary.Passed)
		fmt.Printf(" Failed:     %d\n", summary.Failed)
		if summary.Errored > 0 {
			fmt.Printf(" Errored:    %d\n", summary.Errored)
		}
		fmt.Printf(" Total:      %d\n", summary.Total)
		fmt.Printf(" Pass Rate:  %.1f%%\n", summary.PassRate)
		if summary.PromptTokens > 0 || summary.CompletionTokens > 0 {
			fmt.Printf(" Tokens:     %d prompt, %d completion\n",
				summary.PromptTokens, summary.CompletionTokens)
		}
		fmt.Println()

		// Save summary and attestation
		summaryPath := filepath.Join(outputDir, "summary.json")
		summaryData, _ := json.MarshalIndent(summary, "", "  ")
		if err := os.WriteFile(summaryPath, summaryData, 0o644); err != nil {
			logger.Warn("failed to save summary", "error", err)
		} else {
			fmt.Printf(" Results saved to: %s\n", summaryPath)
		}
		writeAttestation(outputDir, summary, allTasks, loader)
		fmt.Println()

		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchTasks, "tasks", "", "comma-separated task names to run (default: all)")
	batchCmd.Flags().StringVar(&batchKind, "kind", "", "filter by kind (shell, file, browser, code, unified)")
	batchCmd.Flags().StringVar(&batchController, "controller", "openai", "controller profile to use")
	batchCmd.Flags().StringVar(&batchModel, "model", "", "override the profile's model")
	batchCmd.Flags().IntVar(&batchParallel, "parallel", 0, "concurrent runs (default from config)")
	batchCmd.Flags().IntVar(&batchRepeat, "repeat", 1, "run every task N times")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "show what would be run without executing")
	batchCmd.Flags().StringVar(&batchOutput, "output", "", "output directory (default: <results_dir>/batch-<timestamp>)")
	batchCmd.Flags().BoolVar(&batchKeepSandboxes, "keep-sandboxes", false, "keep containers after each run")
	batchCmd.Flags().BoolVar(&batchSkipEval, "skip-eval", false, "skip evaluators")
}

// runBatchTask executes one task run and flattens the outcome.
func runBatchTask(ctx context.Context, r *runner.Runner, t *task.Task, rep, hostPort int, sessionDir string) BatchResult {
	start := time.Now()
	br := BatchResult{Task: t.Name, Kind: string(t.Kind), Repeat: rep}

	res, err := r.Run(ctx, runner.RunOptions{
		Task:        t,
		Controller:  batchController,
		OutputDir:   sessionDir,
		HostPort:    hostPort,
		KeepSandbox: batchKeepSandboxes,
		SkipEval:    batchSkipEval,
	})
	br.Duration = time.Since(start).Seconds()

	if res != nil {
		br.Session = res.ID
		br.Status = string(res.Status)
		br.Iterations = res.IterationsUsed
		br.Requests = res.Usage.Requests
		br.PromptTokens = res.Usage.PromptTokens
		br.CompletionTokens = res.Usage.CompletionTokens
		if res.Verdict != nil {
			br.Verdict = string(res.Verdict.State)
			br.Passed = res.Passed()
		} else {
			br.Passed = res.Succeeded()
		}
	}
	if err != nil {
		br.Error = err.Error()
		if br.Status == "" {
			br.Status = string(result.StatusError)
		}
	}
	return br
}

// batchOutcome buckets one run as "passed", "failed", or "errored".
// Harness faults and evaluator faults are errored, not failed: they say
// nothing about the task.
func batchOutcome(br BatchResult) string {
	if br.Status == string(result.StatusError) || br.Verdict == string(result.VerdictErrored) {
		return "errored"
	}
	if br.Passed {
		return "passed"
	}
	return "failed"
}

func printBatchResult(br BatchResult) {
	switch batchOutcome(br) {
	case "passed":
		fmt.Printf(" ✓ PASSED (%.1fs, %d iterations)\n", br.Duration, br.Iterations)
	case "errored":
		fmt.Printf(" ⚠ ERRORED (%.1fs)\n", br.Duration)
		if br.Error != "" {
			fmt.Printf("   Error: %s\n", br.Error)
		}
	default:
		fmt.Printf(" ✗ FAILED (%.1fs, %d iterations)\n", br.Duration, br.Iterations)
	}
}

func batchRunLabel(name string, rep, totalRepeats int) string {
	if totalRepeats > 1 {
		return fmt.Sprintf("%s (repeat %d)", name, rep)
	}
	return name
}

// summarizeBatch aggregates per-run results into the batch summary.
func summarizeBatch(results []BatchResult, controller string, profile *config.ControllerConfig, timestamp string, parallel, repeat int) BatchSummary {
	summary := BatchSummary{
		Controller: controller,
		Timestamp:  timestamp,
		Parallel:   parallel,
		Results:    results,
		ByKind:     make(map[string]BatchAggregate),
	}
	if profile != nil {
		summary.Model = profile.Model
	}
	if repeat > 1 {
		summary.Repeat = repeat
	}

	for _, br := range results {
		agg := summary.ByKind[br.Kind]
		switch batchOutcome(br) {
		case "passed":
			summary.Passed++
			agg.Passed++
		case "errored":
			summary.Errored++
			agg.Errored++
		default:
			summary.Failed++
			agg.Failed++
		}
		agg.Total++
		agg.Duration += br.Duration
		summary.ByKind[br.Kind] = agg

		summary.Duration += br.Duration
		summary.Requests += br.Requests
		summary.PromptTokens += br.PromptTokens
		summary.CompletionTokens += br.CompletionTokens
	}
	summary.Total = len(results)
	if summary.Total > 0 {
		summary.PassRate = float64(summary.Passed) / float64(summary.Total) * 100
	}
	for k, agg := range summary.ByKind {
		if agg.Total > 0 {
			agg.PassRate = float64(agg.Passed) / float64(agg.Total) * 100
		}
		summary.ByKind[k] = agg
	}
	return summary
}

// writeAttestation pins the results hash and per-task content hashes so a
// submission can be verified later without re-running anything.
func writeAttestation(dir string, summary BatchSummary, allTasks []*task.Task, loader *task.Loader) {
	att := EvalAttestation{
		Harness: HarnessAttestation{Version: Version, Commit: Commit, BuildDate: BuildDate},
		Eval: EvalInfo{
			Controller: summary.Controller,
			Model:      summary.Model,
			Timestamp:  summary.Timestamp,
		},
		Tasks: make(map[string]TaskAttestation, len(allTasks)),
	}
	for _, t := range allTasks {
		hash, err := hashTaskFiles(loader, t)
		if err != nil {
			logger.Warn("hashing task files", "task", t.Name, "error", err)
			continue
		}
		att.Tasks[t.Name] = TaskAttestation{TaskHash: hash}
	}

	resultsJSON, _ := json.Marshal(summary.Results)
	att.Integrity = IntegrityInfo{ResultsHash: hashBytes(resultsJSON)}

	data, _ := json.MarshalIndent(att, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "attestation.json"), data, 0o644); err != nil {
		logger.Warn("failed to save attestation", "error", err)
	}
}

// hashTaskFiles hashes every file of a task in name order. File names are
// mixed into the digest so renames change the hash.
func hashTaskFiles(loader *task.Loader, t *task.Task) (string, error) {
	files, err := loader.ListFiles(t)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	for _, f := range files {
		content, err := loader.ReadFile(t, f)
		if err != nil {
			return "", err
		}
		_, _ = h.Write([]byte(f))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(content)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

// hashBytes returns the BLAKE3 hash of data as a prefixed hex string.
func hashBytes(data []byte) string {
	h := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(h[:])
}

// filterTasks selects tasks by comma-separated name list and by kind.
func filterTasks(all []*task.Task, names, kind string) ([]*task.Task, error) {
	out := all
	if kind != "" {
		k, err := task.ParseKind(kind)
		if err != nil {
			return nil, err
		}
		var keep []*task.Task
		for _, t := range out {
			if t.Kind == k {
				keep = append(keep, t)
			}
		}
		out = keep
	}
	if names != "" {
		want := make(map[string]bool)
		for _, n := range strings.Split(names, ",") {
			if n = strings.TrimSpace(n); n != "" {
				want[n] = true
			}
		}
		var keep []*task.Task
		for _, t := range out {
			if want[t.Name] {
				keep = append(keep, t)
				delete(want, t.Name)
			}
		}
		if len(want) > 0 {
			missing := make([]string, 0, len(want))
			for n := range want {
				missing = append(missing, n)
			}
			sort.Strings(missing)
			return nil, fmt.Errorf("unknown tasks: %s", strings.Join(missing, ", "))
		}
		out = keep
	}
	return out, nil
}

// resolveIterations reports the effective iteration budget for a task.
func resolveIterations(t *task.Task) int {
	if t.MaxIterations > 0 {
		return t.MaxIterations
	}
	return cfg.Harness.MaxIterations
}
