package tasksource

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LumiOpen/translation-dispatcher/metrics"
	"github.com/LumiOpen/translation-dispatcher/task"
)

// doneTask is an immediately-complete task used to exercise TaskSource
// plumbing without involving the task package's generator machinery.
type doneTask struct {
	result map[string]any
	ctx    any
}

func (t *doneTask) GetNextRequest() (task.Request, bool) { return task.Request{}, false }
func (t *doneTask) ProcessResult(task.Response)           {}
func (t *doneTask) IsDone() bool                          { return true }
func (t *doneTask) GetResult() (map[string]any, any)      { return t.result, t.ctx }

func echoFactory(data map[string]any, taskCtx any) task.Task {
	return &doneTask{result: map[string]any{"echo": data}, ctx: taskCtx}
}

func TestFileTaskSourceReadsAndWrites(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")

	content := `{"text":"one"}
{"text":"two"}
{"text":"three"}
`
	if err := os.WriteFile(inPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := NewFileTaskSource(inPath, outPath, echoFactory, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer src.Close()

	first, err := src.NextTasks()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 tasks from first batch, got %d", len(first))
	}
	if src.Exhausted() {
		t.Fatal("expected source to not be exhausted yet")
	}

	for _, tk := range first {
		if err := src.SaveTaskResult(tk); err != nil {
			t.Fatalf("unexpected error saving result: %v", err)
		}
	}

	second, err := src.NextTasks()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected 1 task from second batch, got %d", len(second))
	}
	if err := src.SaveTaskResult(second[0]); err != nil {
		t.Fatal(err)
	}

	third, err := src.NextTasks()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(third) != 0 || !src.Exhausted() {
		t.Fatalf("expected an exhausted source with no further tasks, got %d tasks, exhausted=%v", len(third), src.Exhausted())
	}

	if err := src.Close(); err != nil {
		t.Fatalf("unexpected error closing source: %v", err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 output lines, got %d: %q", len(lines), out)
	}
}

func TestFileTaskSourceSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")

	content := "{\"text\":\"good\"}\nnot json\n{\"text\":\"also good\"}\n"
	if err := os.WriteFile(inPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := NewFileTaskSource(inPath, outPath, echoFactory, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	src.Metrics = metrics.NewMetrics()

	tasks, err := src.NextTasks()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected the malformed line to be skipped, got %d tasks", len(tasks))
	}
	if !src.Exhausted() {
		t.Fatal("expected source to be exhausted after consuming the whole file")
	}
	if got := src.Metrics.GenerateReport().DecodeErrors; got != 1 {
		t.Errorf("expected 1 recorded decode error, got %d", got)
	}
}
