// Package hooks persists final reports and runs the operator's terminal-state
// command.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/throw-if-null/deepresearch/internal/paths"
	"github.com/throw-if-null/deepresearch/internal/task"
)

var ErrHookFailed = errors.New("hook failed")

const defaultTimeout = 30 * time.Second

// Finisher runs once per task when it reaches a terminal state.
type Finisher struct {
	Root    string
	Command []string
	Runner  CommandRunner
	Timeout time.Duration
}

// Result describes what Finish did.
type Result struct {
	ReportPath string
	HookOutput string
	ExitCode   int
}

// Finish writes the report artifact (when the task has one) and runs the
// configured command. Hook failures are returned wrapped in ErrHookFailed.
func (f *Finisher) Finish(ctx context.Context, t *task.Task) (Result, error) {
	var res Result
	if t.Report != nil {
		p, err := f.writeReport(t)
		if err != nil {
			return res, err
		}
		res.ReportPath = p
	}
	if len(f.Command) == 0 {
		return res, nil
	}

	runner := f.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := []string{
		"RESEARCH_TASK_ID=" + t.ID,
		"RESEARCH_STATUS=" + string(t.Status),
		"RESEARCH_REPORT=" + res.ReportPath,
		"RESEARCH_REVISIONS=" + fmt.Sprint(t.RevisionCount),
	}
	var out bytes.Buffer
	code, err := runner.Run(ctx, f.Root, f.Command, env, &out, &out)
	res.ExitCode = code
	res.HookOutput = out.String()
	if err != nil {
		return res, fmt.Errorf("%w: %s exited %d: %v", ErrHookFailed, f.Command[0], code, err)
	}
	return res, nil
}

func (f *Finisher) writeReport(t *task.Task) (string, error) {
	rel, err := paths.ReportPath(t.ID)
	if err != nil {
		return "", err
	}
	full, err := paths.SafeJoin(f.Root, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	b, err := json.MarshalIndent(struct {
		TaskID        string       `json:"task_id"`
		Status        task.Status  `json:"status"`
		Query         task.Query   `json:"query"`
		RevisionCount int          `json:"revision_count"`
		Report        *task.Report `json:"report"`
		Sources       task.Sources `json:"sources"`
	}{t.ID, t.Status, t.Query, t.RevisionCount, t.Report, t.Sources}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(full, b, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return full, nil
}
