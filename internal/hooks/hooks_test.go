package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/throw-if-null/deepresearch/internal/task"
)

type fakeRunner struct {
	argv []string
	env  []string
	code int
	err  error
}

func (f *fakeRunner) Run(_ context.Context, _ string, argv, env []string, stdout, _ io.Writer) (int, error) {
	f.argv, f.env = argv, env
	_, _ = io.WriteString(stdout, "notified")
	return f.code, f.err
}

func completedTask() *task.Task {
	return &task.Task{
		ID:            "task-1",
		Status:        task.StatusCompleted,
		Query:         task.Query{Topic: "qc"},
		RevisionCount: 1,
		Report:        &task.Report{Title: "Final"},
	}
}

func TestFinish_WritesReportAndRunsHook(t *testing.T) {
	root := t.TempDir()
	r := &fakeRunner{}
	f := &Finisher{Root: root, Command: []string{"notify"}, Runner: r}

	res, err := f.Finish(context.Background(), completedTask())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	b, err := os.ReadFile(res.ReportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var doc struct {
		TaskID string      `json:"task_id"`
		Report task.Report `json:"report"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.TaskID != "task-1" || doc.Report.Title != "Final" {
		t.Fatalf("unexpected artifact: %s", b)
	}
	if res.HookOutput != "notified" {
		t.Fatalf("unexpected hook output %q", res.HookOutput)
	}
	joined := strings.Join(r.env, "\n")
	if !strings.Contains(joined, "RESEARCH_TASK_ID=task-1") || !strings.Contains(joined, "RESEARCH_STATUS=completed") {
		t.Fatalf("missing env: %v", r.env)
	}
}

func TestFinish_FailedTaskWithoutReport(t *testing.T) {
	root := t.TempDir()
	tk := &task.Task{ID: "task-2", Status: task.StatusFailed}
	res, err := (&Finisher{Root: root}).Finish(context.Background(), tk)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if res.ReportPath != "" {
		t.Fatalf("expected no report artifact, got %q", res.ReportPath)
	}
}

func TestFinish_HookFailure(t *testing.T) {
	f := &Finisher{Root: t.TempDir(), Command: []string{"notify"}, Runner: &fakeRunner{code: 2, err: errors.New("exit status 2")}}
	res, err := f.Finish(context.Background(), completedTask())
	if !errors.Is(err, ErrHookFailed) {
		t.Fatalf("expected ErrHookFailed, got %v", err)
	}
	if res.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %d", res.ExitCode)
	}
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skip shell tests on windows")
	}
	var out strings.Builder
	code, err := ExecRunner{}.Run(context.Background(), t.TempDir(), []string{"sh", "-c", "echo $RESEARCH_TASK_ID; exit 3"}, []string{"RESEARCH_TASK_ID=abc"}, &out, &out)
	if err == nil || code != 3 {
		t.Fatalf("expected exit 3, got %d %v", code, err)
	}
	if strings.TrimSpace(out.String()) != "abc" {
		t.Fatalf("unexpected output %q", out.String())
	}
	if _, err := (ExecRunner{}).Run(context.Background(), "", nil, nil, io.Discard, io.Discard); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
