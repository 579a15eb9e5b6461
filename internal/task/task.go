// Package task provides task definition and loading for Gauntlet.
package task

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

// Kind selects which sandbox capability groups a task's controller may use.
type Kind string

const (
	Shell   Kind = "shell"
	File    Kind = "file"
	Browser Kind = "browser"
	Code    Kind = "code"
	Unified Kind = "unified"
)

// Task represents a single benchmark task. Immutable once loaded.
type Task struct {
	Name          string        `yaml:"name"           json:"name"`
	Instruction   string        `yaml:"instruction"    json:"instruction"`
	Kind          Kind          `yaml:"kind"           json:"kind"`
	MaxIterations int           `yaml:"max_iterations" json:"max_iterations"`
	Timeout       int           `yaml:"timeout"        json:"timeout,omitempty"`
	Docker        DockerSpec    `yaml:"docker"         json:"docker"`
	InitFiles     []string      `yaml:"init_files"     json:"init_files,omitempty"`
	Evaluator     EvaluatorSpec `yaml:"evaluator"      json:"evaluator"`
}

// DockerSpec describes the task's sandbox container.
type DockerSpec struct {
	Image string            `yaml:"image" json:"image,omitempty"`
	Env   map[string]string `yaml:"env"   json:"env,omitempty"`
}

// EvaluatorSpec describes the task's deterministic verdict function: a
// command run in the task directory with the run result on stdin.
type EvaluatorSpec struct {
	Command      []string `yaml:"command"       json:"command,omitempty"`
	NeedsSandbox bool     `yaml:"needs_sandbox" json:"needs_sandbox,omitempty"`
	Timeout      int      `yaml:"timeout"       json:"timeout,omitempty"`
}

// Groups returns the protocol capability groups for the task's kind.
func (t *Task) Groups() []string {
	switch t.Kind {
	case Shell:
		return []string{protocol.GroupShell}
	case File:
		return []string{protocol.GroupFile}
	case Browser:
		return []string{protocol.GroupBrowser}
	case Code:
		return []string{protocol.GroupCode}
	default:
		return []string{protocol.GroupShell, protocol.GroupFile, protocol.GroupBrowser, protocol.GroupCode}
	}
}

// Validate checks that required task fields are present.
func (t *Task) Validate() error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if strings.TrimSpace(t.Instruction) == "" {
		return fmt.Errorf("task %s has no instruction", t.Name)
	}
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	if t.MaxIterations < 0 {
		return fmt.Errorf("task %s has negative max_iterations", t.Name)
	}
	if t.Evaluator.NeedsSandbox && len(t.Evaluator.Command) == 0 {
		return fmt.Errorf("task %s declares needs_sandbox without an evaluator command", t.Name)
	}
	return nil
}

// Loader handles loading tasks from embedded or external sources.
type Loader struct {
	embeddedFS  embed.FS
	externalDir string
}

// NewLoader creates a new task loader.
// If externalDir is provided, it takes precedence over embedded tasks.
func NewLoader(embeddedFS embed.FS, externalDir string) *Loader {
	return &Loader{
		embeddedFS:  embeddedFS,
		externalDir: externalDir,
	}
}

// LoadAll loads all available tasks, sorted by name.
func (l *Loader) LoadAll() ([]*Task, error) {
	if l.externalDir != "" {
		return l.loadFromDir(l.externalDir)
	}
	return l.loadFromEmbed()
}

// Load loads a specific task by name.
func (l *Loader) Load(name string) (*Task, error) {
	tasks, err := l.LoadAll()
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task not found: %s", name)
}

// LoadByKind loads all tasks of a specific kind.
func (l *Loader) LoadByKind(kind Kind) ([]*Task, error) {
	all, err := l.LoadAll()
	if err != nil {
		return nil, err
	}

	var filtered []*Task
	for _, t := range all {
		if t.Kind == kind {
			filtered = append(filtered, t)
		}
	}

	return filtered, nil
}

// loadFromEmbed loads tasks from the embedded filesystem.
func (l *Loader) loadFromEmbed() ([]*Task, error) {
	entries, err := fs.ReadDir(l.embeddedFS, ".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded tasks: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		data, err := l.embeddedFS.ReadFile(path.Join(entry.Name(), "task.yaml"))
		if err != nil {
			continue
		}

		t, err := parse(data, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing %s/task.yaml: %w", entry.Name(), err)
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	return tasks, nil
}

// loadFromDir loads tasks from an external directory.
func (l *Loader) loadFromDir(dir string) ([]*Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading tasks dir %s: %w", dir, err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name(), "task.yaml"))
		if err != nil {
			continue
		}

		t, err := parse(data, entry.Name())
		if err != nil {
			continue // Skip invalid tasks in external dir
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	return tasks, nil
}

// parse decodes a task.yaml, fills defaults, and validates.
func parse(data []byte, dirName string) (*Task, error) {
	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Name == "" {
		t.Name = dirName
	}
	if t.Kind == "" {
		t.Kind = Unified
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Dir returns the directory path for a task.
// For embedded tasks, this returns the path relative to the embedded FS root.
// For external tasks, this returns the filesystem path.
func (l *Loader) Dir(t *Task) string {
	if l.externalDir != "" {
		return filepath.Join(l.externalDir, t.Name)
	}
	return t.Name
}

// External reports whether tasks come from an external directory. Embedded
// evaluators must be materialized before they can run as subprocesses.
func (l *Loader) External() bool {
	return l.externalDir != ""
}

// ReadFile reads a file from a task's directory.
func (l *Loader) ReadFile(t *Task, filename string) ([]byte, error) {
	if l.externalDir != "" {
		return os.ReadFile(filepath.Join(l.Dir(t), filename))
	}
	return l.embeddedFS.ReadFile(path.Join(l.Dir(t), filename))
}

// ListFiles returns the names of all regular files in a task's directory,
// sorted. Used for integrity hashing and for materializing embedded tasks.
func (l *Loader) ListFiles(t *Task) ([]string, error) {
	var names []string

	if l.externalDir != "" {
		entries, err := os.ReadDir(l.Dir(t))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	} else {
		entries, err := fs.ReadDir(l.embeddedFS, l.Dir(t))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}

	sort.Strings(names)
	return names, nil
}

// Materialize copies a task's files into dir so subprocess evaluators can
// run against them. Returns the directory containing the files.
func (l *Loader) Materialize(t *Task, dir string) (string, error) {
	if l.externalDir != "" {
		return l.Dir(t), nil
	}

	dst := filepath.Join(dir, t.Name)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	names, err := l.ListFiles(t)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		data, err := l.ReadFile(t, name)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(dst, name), data, 0o644); err != nil {
			return "", err
		}
	}

	return dst, nil
}

// ParseKind converts a string to a Kind. An empty string is the unified
// kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "unified":
		return Unified, nil
	case "shell":
		return Shell, nil
	case "file":
		return File, nil
	case "browser":
		return Browser, nil
	case "code":
		return Code, nil
	default:
		return "", fmt.Errorf("unknown task kind: %s", s)
	}
}

// String returns the string representation of a Kind.
func (k Kind) String() string {
	return string(k)
}
