package task

import (
	"embed"
	"os"
	"path/filepath"
	"testing"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

func writeTask(t *testing.T, dir, name, content string) {
	t.Helper()
	taskDir := filepath.Join(dir, name)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "task.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing task.yaml: %v", err)
	}
}

func TestLoadFromDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTask(t, dir, "zz-last", "instruction: do the last thing\nkind: shell\n")
	writeTask(t, dir, "aa-first", `
name: aa-first
instruction: do the first thing
kind: code
max_iterations: 7
docker:
  image: custom:latest
evaluator:
  command: ["python3", "test.py"]
`)

	loader := NewLoader(embed.FS{}, dir)
	tasks, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].Name != "aa-first" || tasks[1].Name != "zz-last" {
		t.Errorf("order = %s, %s, want sorted by name", tasks[0].Name, tasks[1].Name)
	}

	first := tasks[0]
	if first.Kind != Code {
		t.Errorf("Kind = %q, want code", first.Kind)
	}
	if first.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", first.MaxIterations)
	}
	if first.Docker.Image != "custom:latest" {
		t.Errorf("Docker.Image = %q, want custom:latest", first.Docker.Image)
	}
	if len(first.Evaluator.Command) != 2 {
		t.Errorf("Evaluator.Command = %v, want 2 elements", first.Evaluator.Command)
	}

	// Name falls back to the directory name when task.yaml omits it.
	if tasks[1].Name != "zz-last" {
		t.Errorf("Name = %q, want dir name zz-last", tasks[1].Name)
	}
	if tasks[1].Kind != Shell {
		t.Errorf("Kind = %q, want shell", tasks[1].Kind)
	}
}

func TestLoadFromDirSkipsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTask(t, dir, "good", "instruction: fine\n")
	writeTask(t, dir, "bad", "kind: shell\n") // no instruction

	loader := NewLoader(embed.FS{}, dir)
	tasks, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "good" {
		t.Errorf("tasks = %v, want only the valid one", tasks)
	}
	if tasks[0].Kind != Unified {
		t.Errorf("Kind = %q, want unified default", tasks[0].Kind)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTask(t, dir, "wanted", "instruction: yes\n")

	loader := NewLoader(embed.FS{}, dir)

	got, err := loader.Load("wanted")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Name != "wanted" {
		t.Errorf("Name = %q, want wanted", got.Name)
	}

	if _, err := loader.Load("missing"); err == nil {
		t.Error("Load(missing) should error")
	}
}

func TestLoadByKind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTask(t, dir, "sh-one", "instruction: a\nkind: shell\n")
	writeTask(t, dir, "sh-two", "instruction: b\nkind: shell\n")
	writeTask(t, dir, "web", "instruction: c\nkind: browser\n")

	loader := NewLoader(embed.FS{}, dir)
	shells, err := loader.LoadByKind(Shell)
	if err != nil {
		t.Fatalf("LoadByKind() error = %v", err)
	}
	if len(shells) != 2 {
		t.Errorf("shell tasks = %d, want 2", len(shells))
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"ok", Task{Name: "a", Instruction: "do it", Kind: Unified}, false},
		{"no name", Task{Instruction: "do it", Kind: Shell}, true},
		{"no instruction", Task{Name: "a", Kind: Shell}, true},
		{"blank instruction", Task{Name: "a", Instruction: "  \n", Kind: Shell}, true},
		{"bad kind", Task{Name: "a", Instruction: "x", Kind: "quantum"}, true},
		{"negative budget", Task{Name: "a", Instruction: "x", Kind: Shell, MaxIterations: -1}, true},
		{"needs sandbox without evaluator", Task{Name: "a", Instruction: "x", Kind: Shell,
			Evaluator: EvaluatorSpec{NeedsSandbox: true}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"shell", Shell, false},
		{"FILE", File, false},
		{"browser", Browser, false},
		{"code", Code, false},
		{"unified", Unified, false},
		{"", Unified, false},
		{"quantum", "", true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGroups(t *testing.T) {
	t.Parallel()

	shell := Task{Kind: Shell}
	if g := shell.Groups(); len(g) != 1 || g[0] != protocol.GroupShell {
		t.Errorf("shell Groups() = %v, want [shell]", g)
	}

	unified := Task{Kind: Unified}
	if g := unified.Groups(); len(g) != 4 {
		t.Errorf("unified Groups() = %v, want all four capability groups", g)
	}
}

func TestMaterializeExternal(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTask(t, src, "mat", "instruction: x\n")
	if err := os.WriteFile(filepath.Join(src, "mat", "test.py"), []byte("print('ok')\n"), 0o644); err != nil {
		t.Fatalf("writing test.py: %v", err)
	}

	loader := NewLoader(embed.FS{}, src)
	tk, err := loader.Load("mat")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// External tasks already live on disk, so Materialize just points there.
	dir, err := loader.Materialize(tk, t.TempDir())
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if dir != filepath.Join(src, "mat") {
		t.Errorf("dir = %q, want external task dir", dir)
	}

	names, err := loader.ListFiles(tk)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(names) != 2 || names[0] != "task.yaml" || names[1] != "test.py" {
		t.Errorf("ListFiles() = %v, want sorted [task.yaml test.py]", names)
	}
}
