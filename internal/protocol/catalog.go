package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion identifies the action schema. Controllers and sandbox
// clients must share the same version verbatim.
const SchemaVersion = "v1"

// Capability groups. Each group maps to one sandbox RPC surface.
const (
	GroupShell   = "shell"
	GroupFile    = "file"
	GroupBrowser = "browser"
	GroupCode    = "code"
	GroupControl = "control"
)

// Kinds referenced by name throughout the harness.
const (
	KindFinish       = "task_complete"
	KindShellExecute = "shell_execute"
	KindCodeExecute  = "code_execute"
)

// ParamSpec describes one parameter of an action kind.
type ParamSpec struct {
	Type     string
	Desc     string
	Required bool
	Enum     []string
}

// KindSpec describes one action kind: its capability group and its
// parameter schema.
type KindSpec struct {
	Group  string
	Desc   string
	Params map[string]ParamSpec
}

// Catalog is the full action vocabulary. Validation, prompt schema text,
// and LLM tool definitions are all derived from this table.
var Catalog = map[string]KindSpec{
	// Shell.
	KindShellExecute: {Group: GroupShell, Desc: "Execute a shell command and return its output", Params: map[string]ParamSpec{
		"command": {Type: "string", Desc: "Shell command to execute", Required: true},
	}},

	// Files.
	"file_read": {Group: GroupFile, Desc: "Read file contents", Params: map[string]ParamSpec{
		"path": {Type: "string", Desc: "Absolute path to the file to read", Required: true},
	}},
	"file_write": {Group: GroupFile, Desc: "Write content to a file", Params: map[string]ParamSpec{
		"path":    {Type: "string", Desc: "Absolute path to the file to write", Required: true},
		"content": {Type: "string", Desc: "Content to write", Required: true},
	}},
	"file_list": {Group: GroupFile, Desc: "List files in a directory", Params: map[string]ParamSpec{
		"path": {Type: "string", Desc: "Absolute path to the directory", Required: true},
	}},
	"replace_in_file": {Group: GroupFile, Desc: "Replace text in a file", Params: map[string]ParamSpec{
		"file":     {Type: "string", Desc: "Absolute path to the file", Required: true},
		"old_text": {Type: "string", Desc: "Text to replace", Required: true},
		"new_text": {Type: "string", Desc: "Replacement text", Required: true},
	}},
	"search_in_file": {Group: GroupFile, Desc: "Search a file with a regex pattern", Params: map[string]ParamSpec{
		"file":    {Type: "string", Desc: "Absolute path to the file", Required: true},
		"pattern": {Type: "string", Desc: "Regular expression to search for", Required: true},
	}},
	"find_files": {Group: GroupFile, Desc: "Find files matching a glob pattern", Params: map[string]ParamSpec{
		"path": {Type: "string", Desc: "Directory to search in", Required: true},
		"glob": {Type: "string", Desc: "Glob pattern, e.g. '*.py' or '**/*.txt'", Required: true},
	}},
	"image_read": {Group: GroupFile, Desc: "Read an image file and return it base64-encoded", Params: map[string]ParamSpec{
		"path": {Type: "string", Desc: "Absolute path to the image (PNG, JPG)", Required: true},
	}},
	"str_replace_editor": {Group: GroupFile, Desc: "File editor with view, create, str_replace, insert, undo_edit commands", Params: map[string]ParamSpec{
		"command":     {Type: "string", Desc: "Editor command", Required: true, Enum: []string{"view", "create", "str_replace", "insert", "undo_edit"}},
		"path":        {Type: "string", Desc: "Absolute path to file or directory", Required: true},
		"file_text":   {Type: "string", Desc: "File content for 'create'"},
		"old_str":     {Type: "string", Desc: "String to replace for 'str_replace'"},
		"new_str":     {Type: "string", Desc: "New string for 'str_replace' or 'insert'"},
		"insert_line": {Type: "integer", Desc: "Line number for 'insert'"},
		"view_range":  {Type: "array", Desc: "Line range for 'view': [start, end]"},
	}},

	// Browser.
	"browser_click": {Group: GroupBrowser, Desc: "Click at a screen position or the current cursor position", Params: map[string]ParamSpec{
		"x":          {Type: "number", Desc: "X coordinate (optional)"},
		"y":          {Type: "number", Desc: "Y coordinate (optional)"},
		"button":     {Type: "string", Desc: "Mouse button", Enum: []string{"left", "right", "middle"}},
		"num_clicks": {Type: "integer", Desc: "Number of clicks (1-3)"},
	}},
	"browser_type": {Group: GroupBrowser, Desc: "Type text into the focused element", Params: map[string]ParamSpec{
		"text":          {Type: "string", Desc: "Text to type", Required: true},
		"use_clipboard": {Type: "boolean", Desc: "Use clipboard for better character support"},
	}},
	"browser_press": {Group: GroupBrowser, Desc: "Press a keyboard key", Params: map[string]ParamSpec{
		"key": {Type: "string", Desc: "Key to press, e.g. 'Enter', 'Tab', 'ArrowDown'", Required: true},
	}},
	"browser_scroll": {Group: GroupBrowser, Desc: "Scroll the page", Params: map[string]ParamSpec{
		"dx": {Type: "integer", Desc: "Horizontal scroll in pixels"},
		"dy": {Type: "integer", Desc: "Vertical scroll in pixels (positive = down)"},
	}},
	"browser_move_to": {Group: GroupBrowser, Desc: "Move the cursor to a position", Params: map[string]ParamSpec{
		"x": {Type: "number", Desc: "Target X coordinate", Required: true},
		"y": {Type: "number", Desc: "Target Y coordinate", Required: true},
	}},
	"browser_move_rel": {Group: GroupBrowser, Desc: "Move the cursor relative to its position", Params: map[string]ParamSpec{
		"x_offset": {Type: "number", Desc: "Relative X offset", Required: true},
		"y_offset": {Type: "number", Desc: "Relative Y offset", Required: true},
	}},
	"browser_drag_to": {Group: GroupBrowser, Desc: "Drag from the current position to target coordinates", Params: map[string]ParamSpec{
		"x": {Type: "number", Desc: "Target X coordinate", Required: true},
		"y": {Type: "number", Desc: "Target Y coordinate", Required: true},
	}},
	"browser_drag_rel": {Group: GroupBrowser, Desc: "Drag relative to the current position", Params: map[string]ParamSpec{
		"x_offset": {Type: "number", Desc: "Relative X offset", Required: true},
		"y_offset": {Type: "number", Desc: "Relative Y offset", Required: true},
	}},
	"browser_hotkey": {Group: GroupBrowser, Desc: "Press a hotkey combination", Params: map[string]ParamSpec{
		"keys": {Type: "array", Desc: "Keys to press together, e.g. ['ctrl', 'c']", Required: true},
	}},
	"browser_key_down": {Group: GroupBrowser, Desc: "Press down a key without releasing", Params: map[string]ParamSpec{
		"key": {Type: "string", Desc: "Key to press down", Required: true},
	}},
	"browser_key_up": {Group: GroupBrowser, Desc: "Release a key", Params: map[string]ParamSpec{
		"key": {Type: "string", Desc: "Key to release", Required: true},
	}},
	"browser_wait": {Group: GroupBrowser, Desc: "Wait for a duration", Params: map[string]ParamSpec{
		"duration": {Type: "number", Desc: "Seconds to wait", Required: true},
	}},
	"browser_screenshot":        {Group: GroupBrowser, Desc: "Take a screenshot of the current display", Params: map[string]ParamSpec{}},
	"browser_get_viewport_info": {Group: GroupBrowser, Desc: "Get current URL and viewport dimensions", Params: map[string]ParamSpec{}},
	"browser_navigate": {Group: GroupBrowser, Desc: "Navigate the browser to a URL", Params: map[string]ParamSpec{
		"url": {Type: "string", Desc: "Destination URL", Required: true},
	}},
	"dom_get_text": {Group: GroupBrowser, Desc: "Get page text via DOM, no vision required", Params: map[string]ParamSpec{}},
	"dom_get_html": {Group: GroupBrowser, Desc: "Get full page HTML (truncated if long)", Params: map[string]ParamSpec{}},
	"dom_query_selector": {Group: GroupBrowser, Desc: "Query elements with a CSS selector and return tag/id/class/text info", Params: map[string]ParamSpec{
		"selector": {Type: "string", Desc: "CSS selector to query", Required: true},
		"limit":    {Type: "integer", Desc: "Maximum elements to return (default 20)"},
	}},
	"dom_extract_links": {Group: GroupBrowser, Desc: "Extract hyperlinks (text + href) from the page", Params: map[string]ParamSpec{
		"filter_pattern": {Type: "string", Desc: "Optional substring filter on href or text"},
		"limit":          {Type: "integer", Desc: "Maximum links to return (default 50)"},
	}},
	"dom_click": {Group: GroupBrowser, Desc: "Click a DOM element by CSS selector", Params: map[string]ParamSpec{
		"selector":    {Type: "string", Desc: "CSS selector of the element", Required: true},
		"nth":         {Type: "integer", Desc: "Zero-based index of the match to click"},
		"button":      {Type: "string", Desc: "Mouse button", Enum: []string{"left", "right", "middle"}},
		"click_count": {Type: "integer", Desc: "1 = click, 2 = double click"},
		"timeout_ms":  {Type: "integer", Desc: "Click timeout in milliseconds"},
	}},

	// Code.
	KindCodeExecute: {Group: GroupCode, Desc: "Execute code via the sandbox runtime and return stdout/stderr", Params: map[string]ParamSpec{
		"code":     {Type: "string", Desc: "Source code to execute", Required: true},
		"language": {Type: "string", Desc: "Runtime language (default python)", Enum: []string{"python", "javascript"}},
		"timeout":  {Type: "integer", Desc: "Optional timeout in seconds"},
	}},

	// Control.
	KindFinish: {Group: GroupControl, Desc: "Mark the task as complete and exit; optionally provide the final result", Params: map[string]ParamSpec{
		"result": {Type: "string", Desc: "Optional final result or answer for the task"},
	}},
}

// InvalidError reports an action that failed schema validation. It is a
// controller contract violation, not a sandbox fault.
type InvalidError struct {
	Kind   string
	Reason string
}

func (e *InvalidError) Error() string {
	if e.Kind == "" {
		return "invalid action: " + e.Reason
	}
	return fmt.Sprintf("invalid action %q: %s", e.Kind, e.Reason)
}

// Validate checks an action against its kind's schema. A nil return means
// the action is safe to dispatch.
func Validate(a Action) error {
	if a.Kind == "" {
		return &InvalidError{Reason: "missing action_type"}
	}
	spec, ok := Catalog[a.Kind]
	if !ok {
		return &InvalidError{Kind: a.Kind, Reason: "unknown action kind"}
	}

	var unknown []string
	for name := range a.Params {
		if _, ok := spec.Params[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &InvalidError{Kind: a.Kind, Reason: "unsupported parameters: " + strings.Join(unknown, ", ")}
	}

	var missing []string
	for name, p := range spec.Params {
		if !p.Required {
			continue
		}
		if _, ok := a.Params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &InvalidError{Kind: a.Kind, Reason: "missing required parameters: " + strings.Join(missing, ", ")}
	}

	return nil
}

// Group returns the capability group of a kind.
func Group(kind string) (string, bool) {
	spec, ok := Catalog[kind]
	if !ok {
		return "", false
	}
	return spec.Group, true
}

// Kinds returns all action kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(Catalog))
	for k := range Catalog {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// KindsForGroups returns the kinds belonging to any of the given groups,
// sorted. The control group is always included so every capability set can
// finish.
func KindsForGroups(groups ...string) []string {
	want := map[string]bool{GroupControl: true}
	for _, g := range groups {
		want[g] = true
	}
	var kinds []string
	for k, spec := range Catalog {
		if want[spec.Group] {
			kinds = append(kinds, k)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Describe renders a human-readable schema for the given kinds, used to
// seed controller transcripts. Controllers and sandboxes must describe the
// same catalog version.
func Describe(kinds []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Available actions (schema %s). Respond with exactly one action per turn as JSON:\n", SchemaVersion)
	b.WriteString(`{"action_type": "<kind>", "<param>": <value>, ...}` + "\n\n")
	for _, kind := range kinds {
		spec, ok := Catalog[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", kind, spec.Desc)
		names := make([]string, 0, len(spec.Params))
		for name := range spec.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := spec.Params[name]
			req := ""
			if p.Required {
				req = ", required"
			}
			enum := ""
			if len(p.Enum) > 0 {
				enum = " [" + strings.Join(p.Enum, "|") + "]"
			}
			fmt.Fprintf(&b, "    %s (%s%s): %s%s\n", name, p.Type, req, p.Desc, enum)
		}
	}
	return b.String()
}
