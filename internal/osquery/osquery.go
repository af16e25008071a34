// Package osquery wraps the external fact-query tool (an osquery-compatible
// binary) behind the small interfaces internal/inventory and
// internal/dispatch expect, so the rest of the agent treats it as an
// opaque SQL-in/rows-or-text-out oracle.
package osquery

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/alpacax/alpamon-go/internal/inventory"
	"github.com/alpacax/alpamon-go/internal/shell"
)

// DefaultBinary is the conventional osquery interactive shell name.
const DefaultBinary = "osqueryi"

// Runner executes SQL against the local fact-query binary.
type Runner struct {
	Binary string
}

// New returns a Runner for binary, defaulting to DefaultBinary.
func New(binary string) *Runner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runner{Binary: binary}
}

// Present reports whether the fact-query binary is reachable on PATH.
func (r *Runner) Present() bool {
	_, err := exec.LookPath(r.Binary)
	return err == nil
}

// Query implements inventory.FactOracle: sql in, decoded rows out. format
// "line" requests osquery's --line output; anything else requests --json.
func (r *Runner) Query(ctx context.Context, sql string, format string) (int, []inventory.Row, error) {
	flag := "--json"
	if format == "line" {
		flag = "--line"
	}
	res := shell.Run(ctx, []string{r.Binary, flag, sql}, shell.Options{Username: "root"})
	if res.ExitCode != 0 {
		return res.ExitCode, nil, fmt.Errorf("osquery: %s", res.Output)
	}
	if format == "line" {
		return res.ExitCode, parseLineFormat(res.Output), nil
	}
	var rows []inventory.Row
	if err := json.Unmarshal([]byte(res.Output), &rows); err != nil {
		return res.ExitCode, nil, fmt.Errorf("osquery: decoding json output: %w", err)
	}
	return res.ExitCode, rows, nil
}

// RunLine implements dispatch.OSQueryRunner: the "osquery" shell kind runs
// sql verbatim and returns its line-formatted text output.
func (r *Runner) RunLine(ctx context.Context, sql string) (int, string, error) {
	res := shell.Run(ctx, []string{r.Binary, "--line", sql}, shell.Options{Username: "root"})
	return res.ExitCode, res.Output, nil
}

// parseLineFormat decodes osquery's --line output (repeated "key = value"
// lines, blank line between records) into rows.
func parseLineFormat(output string) []inventory.Row {
	var rows []inventory.Row
	current := inventory.Row{}
	flush := func() {
		if len(current) > 0 {
			rows = append(rows, current)
			current = inventory.Row{}
		}
	}
	start := 0
	for i := 0; i <= len(output); i++ {
		if i == len(output) || output[i] == '\n' {
			line := output[start:i]
			start = i + 1
			if line == "" {
				flush()
				continue
			}
			key, value, ok := splitLineField(line)
			if ok {
				current[key] = value
			}
		}
	}
	flush()
	return rows
}

func splitLineField(line string) (string, string, bool) {
	for i := 0; i < len(line)-2; i++ {
		if line[i] == ' ' && line[i+1] == '=' && line[i+2] == ' ' {
			return trimSpace(line[:i]), trimSpace(line[i+3:]), true
		}
	}
	return "", "", false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && s[start] == ' ' {
		start++
	}
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}
