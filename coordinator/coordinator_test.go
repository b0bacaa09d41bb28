package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LumiOpen/translation-dispatcher/checkpoint"
	"github.com/LumiOpen/translation-dispatcher/workitem"
)

// memReader is a hand-rolled inputsource.Reader over an in-memory slice of
// lines, used in place of a mocking framework.
type memReader struct {
	lines   []string
	offsets []int64
	pos     int
}

func newMemReader(lines ...string) *memReader {
	r := &memReader{lines: lines}
	var cum int64
	for _, l := range lines {
		cum += int64(len(l)) + 1
		r.offsets = append(r.offsets, cum)
	}
	return r
}

func (r *memReader) ReadLine(ctx context.Context) ([]byte, int64, error) {
	if r.pos >= len(r.lines) {
		return nil, r.currentOffset(), io.EOF
	}
	line := r.lines[r.pos]
	off := r.offsets[r.pos]
	r.pos++
	return []byte(line), off, nil
}

func (r *memReader) currentOffset() int64 {
	if r.pos == 0 {
		return 0
	}
	return r.offsets[r.pos-1]
}

func (r *memReader) Seek(ctx context.Context, offset int64) error {
	if offset == 0 {
		r.pos = 0
		return nil
	}
	for i, o := range r.offsets {
		if o == offset {
			r.pos = i + 1
			return nil
		}
	}
	return fmt.Errorf("memReader: no line boundary at offset %d", offset)
}

func (r *memReader) Size(ctx context.Context) (int64, error) {
	if len(r.offsets) == 0 {
		return 0, nil
	}
	return r.offsets[len(r.offsets)-1], nil
}

func (r *memReader) Close() error { return nil }

type mockSink struct {
	mirrored map[int64]string
}

func newMockSink() *mockSink { return &mockSink{mirrored: make(map[int64]string)} }

func (s *mockSink) MirrorResult(ctx context.Context, workID int64, result string) error {
	s.mirrored[workID] = result
	return nil
}

func newTestCoordinator(t *testing.T, lines []string) (*Coordinator, string) {
	t.Helper()
	outPath := filepath.Join(t.TempDir(), "out.jsonl")
	reader := newMemReader(lines...)
	store := checkpoint.NewMemoryStore()

	c, err := New(context.Background(), reader, outPath, store, newMockSink(), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return c, outPath
}

func resultFor(s string) *string { return &s }

func TestCoordinator_InOrderCommit(t *testing.T) {
	ctx := context.Background()
	c, outPath := newTestCoordinator(t, []string{"line-a", "line-b"})

	batch, err := c.GetWorkBatch(ctx, 2)
	if err != nil {
		t.Fatalf("GetWorkBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 items, got %d", len(batch))
	}
	if batch[0].WorkID != 0 || batch[1].WorkID != 1 {
		t.Fatalf("expected work-ids to start dense from 0, got %d, %d", batch[0].WorkID, batch[1].WorkID)
	}

	for i := range batch {
		batch[i].SetResult("r-" + batch[i].Content)
	}
	if err := c.CompleteWorkBatch(ctx, batch); err != nil {
		t.Fatalf("CompleteWorkBatch: %v", err)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "r-line-a\nr-line-b\n"
	if string(data) != want {
		t.Errorf("output mismatch: got %q, want %q", string(data), want)
	}
}

func TestCoordinator_OutOfOrderCommitFlushesInOrder(t *testing.T) {
	ctx := context.Background()
	c, outPath := newTestCoordinator(t, []string{"a", "b", "c"})

	batch, err := c.GetWorkBatch(ctx, 3)
	if err != nil {
		t.Fatalf("GetWorkBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 items, got %d", len(batch))
	}

	// Complete work-ids 2 and 1 first; nothing should flush yet since
	// work-id 0 is still outstanding.
	if err := c.CompleteWorkBatch(ctx, []workitem.WorkItem{
		{WorkID: batch[2].WorkID, Content: batch[2].Content, Result: resultFor("r-c")},
	}); err != nil {
		t.Fatalf("CompleteWorkBatch(c): %v", err)
	}
	if err := c.CompleteWorkBatch(ctx, []workitem.WorkItem{
		{WorkID: batch[1].WorkID, Content: batch[1].Content, Result: resultFor("r-b")},
	}); err != nil {
		t.Fatalf("CompleteWorkBatch(b): %v", err)
	}

	status := c.Status(ctx)
	if status.Pending != 2 {
		t.Fatalf("expected 2 pending results before work-id 0 completes, got %d", status.Pending)
	}

	// Completing work-id 0 should flush all three, in order.
	if err := c.CompleteWorkBatch(ctx, []workitem.WorkItem{
		{WorkID: batch[0].WorkID, Content: batch[0].Content, Result: resultFor("r-a")},
	}); err != nil {
		t.Fatalf("CompleteWorkBatch(a): %v", err)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "r-a\nr-b\nr-c\n"
	if string(data) != want {
		t.Errorf("output mismatch: got %q, want %q", string(data), want)
	}
}

func TestCoordinator_DuplicateAndUnknownCompletionsAreDiscarded(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, []string{"a"})

	batch, err := c.GetWorkBatch(ctx, 1)
	if err != nil {
		t.Fatalf("GetWorkBatch: %v", err)
	}

	item := workitem.WorkItem{WorkID: batch[0].WorkID, Content: batch[0].Content, Result: resultFor("r-a")}
	if err := c.CompleteWorkBatch(ctx, []workitem.WorkItem{item}); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	// Duplicate: already committed.
	if err := c.CompleteWorkBatch(ctx, []workitem.WorkItem{item}); err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}
	// Unknown work-id.
	unknown := workitem.WorkItem{WorkID: 9999, Content: "ghost", Result: resultFor("r-ghost")}
	if err := c.CompleteWorkBatch(ctx, []workitem.WorkItem{unknown}); err != nil {
		t.Fatalf("unknown completion: %v", err)
	}

	report := c.Metrics().GenerateReport()
	if report.DuplicateCompletions != 1 {
		t.Errorf("expected 1 duplicate completion, got %d", report.DuplicateCompletions)
	}
	if report.UnknownWorkIDs != 1 {
		t.Errorf("expected 1 unknown work id, got %d", report.UnknownWorkIDs)
	}
	if report.ItemsCommitted != 1 {
		t.Errorf("expected 1 committed flush, got %d", report.ItemsCommitted)
	}
}

func TestCoordinator_ExpiredLeaseIsReissued(t *testing.T) {
	ctx := context.Background()
	outPath := filepath.Join(t.TempDir(), "out.jsonl")
	reader := newMemReader("only-line")
	store := checkpoint.NewMemoryStore()

	c, err := New(ctx, reader, outPath, store, nil, 10*time.Millisecond, time.Hour)
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}

	first, err := c.GetWorkBatch(ctx, 1)
	if err != nil {
		t.Fatalf("GetWorkBatch: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 item, got %d", len(first))
	}
	if first[0].WorkID != 0 {
		t.Fatalf("expected the first work-id assigned on a cold start to be 0, got %d", first[0].WorkID)
	}

	time.Sleep(20 * time.Millisecond)

	reissued, err := c.GetWorkBatch(ctx, 1)
	if err != nil {
		t.Fatalf("GetWorkBatch (reissue): %v", err)
	}
	if len(reissued) != 1 {
		t.Fatalf("expected reissued item, got %d items", len(reissued))
	}
	if reissued[0].WorkID != first[0].WorkID || reissued[0].Content != first[0].Content {
		t.Errorf("reissued item mismatch: got %+v, want work_id=%d content=%q", reissued[0], first[0].WorkID, first[0].Content)
	}

	report := c.Metrics().GenerateReport()
	if report.ExpiredReissues != 1 {
		t.Errorf("expected 1 expired reissue, got %d", report.ExpiredReissues)
	}
}

func TestCoordinator_AllWorkComplete(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, []string{"only-line"})

	done, err := c.AllWorkComplete(ctx)
	if err != nil {
		t.Fatalf("AllWorkComplete: %v", err)
	}
	if done {
		t.Fatal("expected work incomplete before any line is read")
	}

	batch, err := c.GetWorkBatch(ctx, 1)
	if err != nil {
		t.Fatalf("GetWorkBatch: %v", err)
	}

	done, err = c.AllWorkComplete(ctx)
	if err != nil {
		t.Fatalf("AllWorkComplete: %v", err)
	}
	if !done {
		t.Fatal("expected work complete once input is drained and nothing is pending, even with the lease still outstanding")
	}

	batch[0].SetResult("r")
	if err := c.CompleteWorkBatch(ctx, batch); err != nil {
		t.Fatalf("CompleteWorkBatch: %v", err)
	}

	done, err = c.AllWorkComplete(ctx)
	if err != nil {
		t.Fatalf("AllWorkComplete: %v", err)
	}
	if !done {
		t.Fatal("expected work complete after the only line is committed")
	}
}

func TestCoordinator_RestartReconciliation(t *testing.T) {
	ctx := context.Background()
	outPath := filepath.Join(t.TempDir(), "out.jsonl")
	lines := []string{"a", "b", "c"}

	// Simulate a crash: the output file already has two committed lines,
	// but the checkpoint was never updated to reflect them.
	if err := os.WriteFile(outPath, []byte("r-a\nr-b\n"), 0o644); err != nil {
		t.Fatalf("seed output file: %v", err)
	}
	store := checkpoint.NewMemoryStore()
	if err := store.Save(ctx, checkpoint.Fresh()); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	reader := newMemReader(lines...)
	c, err := New(ctx, reader, outPath, store, nil, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}

	status := c.Status(ctx)
	if status.LastProcessedWorkID != 1 {
		t.Fatalf("expected reconciliation to advance last_processed_work_id to 1, got %d", status.LastProcessedWorkID)
	}
	if status.NextWorkID != 2 {
		t.Fatalf("expected next_work_id 2, got %d", status.NextWorkID)
	}

	batch, err := c.GetWorkBatch(ctx, 1)
	if err != nil {
		t.Fatalf("GetWorkBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].Content != "c" {
		t.Fatalf("expected next issued item to be line c, got %+v", batch)
	}
}
