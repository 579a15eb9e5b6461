// Package errors provides error summarization for sandbox and evaluator
// output.
package errors

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern represents a regex pattern and its human-readable summary.
type Pattern struct {
	Regex   *regexp.Regexp
	Summary string
}

// Summarizer extracts human-readable error summaries from command/test output.
type Summarizer struct {
	patterns []Pattern
}

// NewSummarizer creates a summarizer for the given output source.
func NewSummarizer(source string) *Summarizer {
	var patterns []Pattern

	switch source {
	case "python":
		patterns = pythonPatterns
	case "pytest":
		patterns = pytestPatterns
	case "node":
		patterns = nodePatterns
	case "shell":
		patterns = shellPatterns
	case "browser":
		patterns = browserPatterns
	default:
		patterns = nil
	}

	return &Summarizer{patterns: patterns}
}

// ForGroup returns a summarizer for a sandbox capability group.
func ForGroup(group string) *Summarizer {
	switch group {
	case "code":
		return NewSummarizer("python")
	case "browser":
		return NewSummarizer("browser")
	default:
		return NewSummarizer("shell")
	}
}

// Summarize extracts error summaries from output.
// Returns a slice of human-readable error messages.
func (s *Summarizer) Summarize(output string) []string {
	if len(s.patterns) == 0 {
		return s.fallbackSummary(output)
	}

	var summaries []string
	seen := make(map[string]bool)

	lines := strings.Split(output, "\n")
	for _, line := range lines {
		for _, p := range s.patterns {
			if matches := p.Regex.FindStringSubmatch(line); matches != nil {
				summary := p.Summary
				for i, match := range matches[1:] {
					placeholder := "$" + strconv.Itoa(i+1)
					summary = strings.ReplaceAll(summary, placeholder, match)
				}

				if !seen[summary] {
					seen[summary] = true
					summaries = append(summaries, summary)
				}
			}
		}
	}

	if len(summaries) == 0 {
		return s.fallbackSummary(output)
	}

	return summaries
}

// fallbackSummary returns the first few lines of error output when no patterns match.
func (s *Summarizer) fallbackSummary(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	var result []string
	for i, line := range lines {
		if i >= 5 {
			break
		}
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "===") && !strings.HasPrefix(line, "---") {
			result = append(result, line)
		}
	}

	return result
}

// Python error patterns.
var pythonPatterns = []Pattern{
	{regexp.MustCompile(`ModuleNotFoundError: No module named '(.+)'`), "Missing module: $1"},
	{regexp.MustCompile(`ImportError: cannot import name '(.+)'`), "Cannot import: $1"},
	{regexp.MustCompile(`NameError: name '(.+)' is not defined`), "Undefined name: $1"},
	{regexp.MustCompile(`AttributeError: '(.+)' object has no attribute '(.+)'`), "'$1' has no attribute '$2'"},
	{regexp.MustCompile(`KeyError: '?(.+?)'?$`), "Missing key: $1"},
	{regexp.MustCompile(`IndexError: (.+)`), "Index error: $1"},
	{regexp.MustCompile(`TypeError: (.+)`), "Type error: $1"},
	{regexp.MustCompile(`ValueError: (.+)`), "Value error: $1"},
	{regexp.MustCompile(`ZeroDivisionError`), "Division by zero"},
	{regexp.MustCompile(`RecursionError`), "Maximum recursion depth exceeded"},
	{regexp.MustCompile(`IndentationError: (.+)`), "Indentation error: $1"},
	{regexp.MustCompile(`SyntaxError: (.+)`), "Syntax error: $1"},
	{regexp.MustCompile(`FileNotFoundError: (.+)`), "File not found: $1"},
	{regexp.MustCompile(`PermissionError: (.+)`), "Permission denied: $1"},
	{regexp.MustCompile(`AssertionError: (.+)`), "Assertion failed: $1"},
	{regexp.MustCompile(`(\w+Error): (.+)`), "$1: $2"},
}

// Pytest error patterns.
var pytestPatterns = []Pattern{
	{regexp.MustCompile(`FAILED (.+?)(?:\s+-\s+(.+))?$`), "Test failed: $1"},
	{regexp.MustCompile(`ERROR (.+?)(?:\s+-\s+(.+))?$`), "Test error: $1"},
	{regexp.MustCompile(`E\s+assert (.+)`), "Assertion failed: $1"},
	{regexp.MustCompile(`E\s+(\w+Error): (.+)`), "$1: $2"},
	{regexp.MustCompile(`collected 0 items`), "No tests collected"},
	{regexp.MustCompile(`(\d+) failed`), "$1 test(s) failed"},
	{regexp.MustCompile(`fixture '(.+)' not found`), "Fixture not found: $1"},
}

// Node error patterns.
var nodePatterns = []Pattern{
	{regexp.MustCompile(`Cannot find module '(.+)'`), "Missing module: $1"},
	{regexp.MustCompile(`ReferenceError: (\w+) is not defined`), "Undefined: $1"},
	{regexp.MustCompile(`TypeError: (.+)`), "Type error: $1"},
	{regexp.MustCompile(`SyntaxError: (.+)`), "Syntax error: $1"},
	{regexp.MustCompile(`UnhandledPromiseRejection`), "Unhandled promise rejection"},
	{regexp.MustCompile(`npm ERR! (.+)`), "npm: $1"},
	{regexp.MustCompile(`(\w+Error): (.+)`), "$1: $2"},
}

// Shell error patterns.
var shellPatterns = []Pattern{
	{regexp.MustCompile(`(?:bash|sh): .*?(\S+): command not found`), "Command not found: $1"},
	{regexp.MustCompile(`(\S+): No such file or directory`), "No such file or directory: $1"},
	{regexp.MustCompile(`(\S+): Permission denied`), "Permission denied: $1"},
	{regexp.MustCompile(`syntax error near unexpected token (.+)`), "Shell syntax error near $1"},
	{regexp.MustCompile(`Read-only file system`), "Read-only file system"},
	{regexp.MustCompile(`No space left on device`), "No space left on device"},
	{regexp.MustCompile(`[Tt]imed? ?out`), "Command timed out"},
	{regexp.MustCompile(`Killed`), "Process killed"},
	{regexp.MustCompile(`Segmentation fault`), "Segmentation fault"},
}

// Browser error patterns.
var browserPatterns = []Pattern{
	{regexp.MustCompile(`TimeoutError: (.+)`), "Timeout: $1"},
	{regexp.MustCompile(`net::(\w+)`), "Network error: $1"},
	{regexp.MustCompile(`no element matches selector "?(.+?)"?$`), "No element matches selector: $1"},
	{regexp.MustCompile(`[Ee]lement not found: (.+)`), "Element not found: $1"},
	{regexp.MustCompile(`[Ee]lement is not visible`), "Element is not visible"},
	{regexp.MustCompile(`[Nn]avigation failed: (.+)`), "Navigation failed: $1"},
	{regexp.MustCompile(`Execution context was destroyed`), "Page navigated during action"},
	{regexp.MustCompile(`ERR_NAME_NOT_RESOLVED`), "DNS resolution failed"},
	{regexp.MustCompile(`ERR_CONNECTION_REFUSED`), "Connection refused"},
}
