package runner

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lemon07r/gauntlet/internal/config"
	"github.com/lemon07r/gauntlet/internal/controller"
	"github.com/lemon07r/gauntlet/internal/evaluator"
	"github.com/lemon07r/gauntlet/internal/loop"
	"github.com/lemon07r/gauntlet/internal/protocol"
	"github.com/lemon07r/gauntlet/internal/result"
	"github.com/lemon07r/gauntlet/internal/sandbox"
	"github.com/lemon07r/gauntlet/internal/task"
)

// sandboxHome is the working directory inside the sandbox container; all
// task file paths are relative to it.
const sandboxHome = "/home/gem"

// Runner provisions a sandbox per task, drives the execution loop against
// it, and persists the sealed result. The container is torn down in all
// cases unless the caller asks to keep it.
type Runner struct {
	cfg        *config.Config
	taskLoader *task.Loader
	docker     *DockerClient
	evaluator  *evaluator.Invoker
	logger     *slog.Logger
}

// NewRunner creates a new runner.
func NewRunner(cfg *config.Config, tasksFS embed.FS, tasksDir string, logger *slog.Logger) (*Runner, error) {
	docker, err := NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	loader := task.NewLoader(tasksFS, tasksDir)
	return &Runner{
		cfg:        cfg,
		taskLoader: loader,
		docker:     docker,
		evaluator:  evaluator.NewInvoker(loader, logger),
		logger:     logger,
	}, nil
}

// Close cleans up runner resources.
func (r *Runner) Close() error {
	return r.docker.Close()
}

// ListTasks returns all available tasks.
func (r *Runner) ListTasks() ([]*task.Task, error) {
	return r.taskLoader.LoadAll()
}

// ListTasksByKind returns tasks filtered by kind.
func (r *Runner) ListTasksByKind(kind task.Kind) ([]*task.Task, error) {
	return r.taskLoader.LoadByKind(kind)
}

// Loader exposes the task loader for commands that need task file access.
func (r *Runner) Loader() *task.Loader {
	return r.taskLoader
}

// Docker exposes the docker client for container housekeeping commands.
func (r *Runner) Docker() *DockerClient {
	return r.docker
}

// RunOptions configures a task run.
type RunOptions struct {
	TaskName      string
	Task          *task.Task // If set, use this task directly instead of loading by name
	Controller    string
	ReplaySession string // Session directory to replay instead of a live controller
	MaxIterations int
	Timeout       int
	OutputDir     string
	HostPort      int
	KeepSandbox   bool
	SkipEval      bool

	// OnEntry observes trace entries as they are recorded, for live
	// terminal output.
	OnEntry func(res *result.RunResult, entry *protocol.TraceEntry)
}

// Run executes one task against a freshly provisioned sandbox and returns
// the sealed result. Provisioning faults still yield exactly one saved
// result with status error.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*result.RunResult, error) {
	// Load the task (or use provided one)
	var t *task.Task
	var err error
	if opts.Task != nil {
		t = opts.Task
	} else {
		t, err = r.taskLoader.Load(opts.TaskName)
		if err != nil {
			return nil, fmt.Errorf("loading task: %w", err)
		}
	}

	// Set defaults
	if opts.MaxIterations == 0 {
		opts.MaxIterations = resolveBudget(t.MaxIterations, r.cfg.Harness.MaxIterations)
	}
	if opts.Timeout == 0 {
		opts.Timeout = resolveBudget(t.Timeout, r.cfg.Harness.DefaultTimeout)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = r.cfg.Harness.SessionDir
	}
	if opts.HostPort == 0 {
		opts.HostPort = r.cfg.Sandbox.HostPortBase
	}

	// Build the controller first; a bad profile should fail before any
	// container exists.
	ctrl, err := r.buildController(opts, t)
	if err != nil {
		return nil, err
	}

	imageName := t.Docker.Image
	if imageName == "" {
		imageName = r.cfg.Docker.DefaultImage
	}

	r.logger.Info("ensuring sandbox image", "image", imageName)
	if err := r.docker.EnsureImage(ctx, imageName, r.cfg.Docker.AutoPull); err != nil {
		return r.provisionFailure(t, opts, ctrl.Name(), imageName, "", fmt.Errorf("ensuring image: %w", err))
	}

	containerName := fmt.Sprintf("%s-%s-%d", r.cfg.Docker.ContainerPrefix, t.Name, time.Now().UnixNano())
	r.logger.Info("creating sandbox container", "name", containerName, "port", opts.HostPort)
	containerID, err := r.docker.CreateContainer(ctx, ContainerConfig{
		Image:        imageName,
		Name:         containerName,
		Env:          containerEnv(t),
		Labels:       map[string]string{OwnerLabel: t.Name},
		InternalPort: r.cfg.Sandbox.InternalPort,
		HostPort:     opts.HostPort,
	})
	if err != nil {
		return r.provisionFailure(t, opts, ctrl.Name(), imageName, "", fmt.Errorf("creating container: %w", err))
	}
	defer func() {
		if opts.KeepSandbox {
			r.logger.Info("keeping sandbox container", "id", shortID(containerID), "port", opts.HostPort)
			return
		}
		r.logger.Debug("cleaning up container", "id", shortID(containerID))
		_ = r.docker.RemoveContainer(context.Background(), containerID, true)
	}()

	if err := r.docker.StartContainer(ctx, containerID); err != nil {
		return r.provisionFailure(t, opts, ctrl.Name(), imageName, containerID, err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", opts.HostPort)
	client := sandbox.NewClient(baseURL, r.cfg.Sandbox, r.logger)

	r.logger.Info("waiting for sandbox", "url", baseURL)
	if err := client.WaitReady(ctx); err != nil {
		return r.provisionFailure(t, opts, ctrl.Name(), imageName, containerID, r.diagnoseProvision(containerID, err))
	}

	if len(t.InitFiles) > 0 {
		if err := r.copyInitFiles(ctx, t, containerID); err != nil {
			return r.provisionFailure(t, opts, ctrl.Name(), imageName, containerID, err)
		}
	}

	lp := loop.New(t, ctrl, client, opts.MaxIterations, r.logger)
	lp.OnEntry = opts.OnEntry

	// Per-task wall clock, checked by the loop between iterations.
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.Timeout)*time.Second)
	defer cancel()

	res := lp.Run(runCtx)
	res.Sandbox = result.SandboxMeta{Image: imageName, Container: shortID(containerID), Port: opts.HostPort}
	if profile := r.cfg.Controller(opts.Controller); profile != nil {
		res.Model = profile.Model
	}

	// The evaluator runs before the deferred teardown so needs_sandbox
	// tasks can still inspect the container.
	if !opts.SkipEval {
		verdict := r.evaluator.Evaluate(ctx, t, res, client.BaseURL())
		res.Verdict = &verdict
	}

	if saveErr := res.Save(opts.OutputDir); saveErr != nil {
		r.logger.Error("failed to save result", "error", saveErr)
	}

	return res, nil
}

// buildController picks the decision source for a run: a recorded session
// when replaying, a configured profile otherwise.
func (r *Runner) buildController(opts RunOptions, t *task.Task) (controller.Controller, error) {
	if opts.ReplaySession != "" {
		return controller.NewReplayFromSession(opts.ReplaySession)
	}
	kinds := protocol.KindsForGroups(t.Groups()...)
	return controller.New(opts.Controller, r.cfg, kinds, r.logger)
}

// provisionFailure seals and saves a run record for a task whose
// environment never came up. Every task yields exactly one result,
// provisioning faults included.
func (r *Runner) provisionFailure(t *task.Task, opts RunOptions, ctrlName, image, containerID string, cause error) (*result.RunResult, error) {
	res := result.New(t.Name, t.Instruction, string(t.Kind), ctrlName, opts.MaxIterations)
	res.Sandbox = result.SandboxMeta{Image: image, Container: shortID(containerID), Port: opts.HostPort}
	res.Error = cause.Error()
	res.Complete(result.StatusError)

	if saveErr := res.Save(opts.OutputDir); saveErr != nil {
		r.logger.Error("failed to save result", "error", saveErr)
	}

	return res, cause
}

// diagnoseProvision augments a readiness failure with the container's
// exit state so a crashed sandbox is distinguishable from a slow one.
func (r *Runner) diagnoseProvision(containerID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := r.docker.State(ctx, containerID)
	if err != nil || st.Running {
		return cause
	}

	if logs, logErr := r.docker.Logs(ctx, containerID, 20); logErr == nil && strings.TrimSpace(logs) != "" {
		r.logger.Debug("sandbox container output", "tail", logs)
	}
	return fmt.Errorf("%w (container exited with code %d)", cause, st.ExitCode)
}

// copyInitFiles stages the task's declared init files into the sandbox
// home directory before the loop starts.
func (r *Runner) copyInitFiles(ctx context.Context, t *task.Task, containerID string) error {
	files := make(map[string][]byte, len(t.InitFiles))
	for _, name := range t.InitFiles {
		data, err := r.taskLoader.ReadFile(t, name)
		if err != nil {
			return fmt.Errorf("reading init file %s: %w", name, err)
		}
		files[name] = data
	}

	r.logger.Debug("copying init files", "task", t.Name, "count", len(files))
	if err := r.docker.CopyFiles(ctx, containerID, sandboxHome, files); err != nil {
		return fmt.Errorf("copying init files: %w", err)
	}
	return nil
}

// containerEnv builds the sandbox environment for a task in deterministic
// order.
func containerEnv(t *task.Task) []string {
	env := []string{"TASK_NAME=" + t.Name}

	keys := make([]string, 0, len(t.Docker.Env))
	for k := range t.Docker.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.Docker.Env[k])
	}

	return env
}

// resolveBudget picks the task's own budget when set, the config default
// otherwise.
func resolveBudget(taskValue, configDefault int) int {
	if taskValue > 0 {
		return taskValue
	}
	return configDefault
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
