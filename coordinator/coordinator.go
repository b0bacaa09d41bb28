// Package coordinator implements the ordered, resumable work dispatcher
// described in section 4.1 of the design specification: it hands out input
// lines as leased work items, accepts results out of order, commits them to
// the output file in strict input order, and checkpoints atomically for
// crash-safe resume. Grounded algorithmically on data_tracker.py's
// DataTracker (lazy-delete lease heap, pending-write reassembly buffer,
// checkpoint-interval gating); grounded on coordinator/coordinator.go for Go
// shape (struct holding its dependencies, constructor, mutex-guarded state,
// a status-snapshot method).
package coordinator

import (
	"bufio"
	"container/heap"
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/LumiOpen/translation-dispatcher/checkpoint"
	"github.com/LumiOpen/translation-dispatcher/inputsource"
	"github.com/LumiOpen/translation-dispatcher/metrics"
	"github.com/LumiOpen/translation-dispatcher/workitem"
)

// ResultSink mirrors a committed result somewhere besides the output file
// (e.g. resultmirror.DynamoDBSink). Failures are logged, never fatal: a
// mirror outage must not block the dispatcher's progress.
type ResultSink interface {
	MirrorResult(ctx context.Context, workID int64, result string) error
}

// issuedWork is what the coordinator remembers about a work item between
// issuing it and either committing or reissuing it.
type issuedWork struct {
	content string
	// resumeOffset is the input offset to record in the checkpoint if this
	// item becomes the new LastProcessedWorkID: the start of the next
	// unread line at the time this one was read.
	resumeOffset int64
	issuedAt     time.Time
}

// leaseEntry is one entry in the expiry heap: the work-id issued at a given
// time. Entries are not removed on completion; get_work-time expiry scans
// discard any entry whose work-id is no longer in issued (lazy deletion).
type leaseEntry struct {
	issuedAt time.Time
	workID   int64
}

type leaseHeap []leaseEntry

func (h leaseHeap) Len() int            { return len(h) }
func (h leaseHeap) Less(i, j int) bool  { return h[i].issuedAt.Before(h[j].issuedAt) }
func (h leaseHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *leaseHeap) Push(x interface{}) { *h = append(*h, x.(leaseEntry)) }
func (h *leaseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Coordinator tracks the input/output/lease/checkpoint state for one
// dispatcher run. All exported methods are safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	in  inputsource.Reader
	out *os.File

	store checkpoint.Store
	sink  ResultSink
	met   *metrics.Metrics

	workTimeout        time.Duration
	checkpointInterval time.Duration

	lastProcessedWorkID int64
	nextWorkID          int64
	inputOffset         int64 // resumeOffset belonging to lastProcessedWorkID, as of the last flush
	readOffset          int64 // actual current position of the input reader
	outputOffset        int64 // byte length of the output file

	issued       map[int64]issuedWork
	leases       leaseHeap
	pendingWrite map[int64]string

	lastCheckpoint time.Time
}

// New constructs a Coordinator over the given input reader and local output
// file, restoring state from store if a checkpoint exists. It reconciles
// any output lines written after the last checkpoint (the checkpoint is
// written at most every checkpointInterval, so a crash can leave committed
// output the checkpoint doesn't yet reflect) before returning, matching
// data_tracker.py's _load_checkpoint reconciliation.
func New(ctx context.Context, in inputsource.Reader, outPath string, store checkpoint.Store, sink ResultSink, workTimeout, checkpointInterval time.Duration) (*Coordinator, error) {
	out, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	state, err := store.Load(ctx)
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	c := &Coordinator{
		in:                  in,
		out:                 out,
		store:               store,
		sink:                sink,
		met:                 metrics.NewMetrics(),
		workTimeout:         workTimeout,
		checkpointInterval:  checkpointInterval,
		lastProcessedWorkID: state.LastProcessedWorkID,
		nextWorkID:          state.LastProcessedWorkID + 1,
		inputOffset:         state.InputOffset,
		readOffset:          state.InputOffset,
		outputOffset:        state.OutputOffset,
		issued:              make(map[int64]issuedWork),
		pendingWrite:        make(map[int64]string),
		lastCheckpoint:      time.Now(),
	}

	if err := c.in.Seek(ctx, c.inputOffset); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("failed to seek input to checkpoint offset: %w", err)
	}
	if err := c.reconcileOutput(ctx); err != nil {
		_ = out.Close()
		return nil, err
	}

	return c, nil
}

// reconcileOutput counts output lines written past state.OutputOffset. Those
// lines were committed before a crash but the checkpoint hadn't caught up
// yet, so the coordinator advances lastProcessedWorkID/nextWorkID by that
// count and consumes (discards) the same number of already-seeked input
// lines to bring the input reader's position back in sync, matching
// data_tracker.py's _load_checkpoint reconciliation. The output file is left
// positioned at EOF for further appends.
func (c *Coordinator) reconcileOutput(ctx context.Context) error {
	if _, err := c.out.Seek(c.outputOffset, os.SeekStart); err != nil {
		return fmt.Errorf("failed to seek output file: %w", err)
	}

	scanner := bufio.NewScanner(c.out)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var extra int64
	for scanner.Scan() {
		extra++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan output file tail: %w", err)
	}

	for i := int64(0); i < extra; i++ {
		_, resumeOffset, err := c.in.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("failed to consume already-committed input line during reconciliation: %w", err)
		}
		c.inputOffset = resumeOffset
		c.readOffset = resumeOffset
	}
	if extra > 0 {
		log.Printf("coordinator: reconciling %d output line(s) written after last checkpoint", extra)
		c.lastProcessedWorkID += extra
		c.nextWorkID = c.lastProcessedWorkID + 1
	}

	info, err := c.out.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat output file: %w", err)
	}
	c.outputOffset = info.Size()
	if _, err := c.out.Seek(0, os.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek output file to end: %w", err)
	}
	return nil
}

// AllWorkComplete reports whether every input line has been read and no
// completed result is waiting in the pending buffer, matching the reference
// policy: leased items whose results have not come back do not count, so it
// can report true while leases are still outstanding (see DESIGN.md Open
// Question decisions).
func (c *Coordinator) AllWorkComplete(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := c.in.Size(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to determine input size: %w", err)
	}
	return c.readOffset >= size && len(c.pendingWrite) == 0, nil
}

// GetWorkBatch returns up to batchSize work items: first draining any
// expired leases due for reissue, then reading fresh input lines. It
// returns a nil slice if no work is available right now (the caller should
// distinguish that from AllWorkComplete to decide between retry and done).
func (c *Coordinator) GetWorkBatch(ctx context.Context, batchSize int) ([]workitem.WorkItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []workitem.WorkItem
	now := time.Now()

	for len(batch) < batchSize && c.leases.Len() > 0 {
		if now.Sub(c.leases[0].issuedAt) <= c.workTimeout {
			break
		}
		entry := heap.Pop(&c.leases).(leaseEntry)
		work, ok := c.issued[entry.workID]
		if !ok {
			// Already completed since this entry was queued; lazily
			// discard it.
			continue
		}
		c.met.RecordExpiredReissue()
		c.trackIssued(now, entry.workID, work.content, work.resumeOffset)
		batch = append(batch, workitem.WorkItem{WorkID: entry.workID, Content: work.content})
	}

	for len(batch) < batchSize {
		line, resumeOffset, err := c.in.ReadLine(ctx)
		if err != nil {
			break
		}
		workID := c.nextWorkID
		c.nextWorkID++
		c.readOffset = resumeOffset
		c.trackIssued(now, workID, string(line), resumeOffset)
		batch = append(batch, workitem.WorkItem{WorkID: workID, Content: string(line)})
	}

	return batch, nil
}

// trackIssued records (or re-records, on reissue) a work item as
// outstanding and pushes a fresh lease entry for it.
func (c *Coordinator) trackIssued(when time.Time, workID int64, content string, resumeOffset int64) {
	c.issued[workID] = issuedWork{content: content, resumeOffset: resumeOffset, issuedAt: when}
	heap.Push(&c.leases, leaseEntry{issuedAt: when, workID: workID})
}

// CompleteWorkBatch accepts results for a batch of work items, staging them
// into the pending-write buffer and flushing every prefix of consecutive
// work-ids that is now complete. Duplicate completions (already committed
// or already pending) and completions for unknown work-ids are logged and
// discarded rather than rejected outright, matching data_tracker.py.
func (c *Coordinator) CompleteWorkBatch(ctx context.Context, items []workitem.WorkItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		if item.Result == nil {
			continue
		}
		if item.WorkID <= c.lastProcessedWorkID {
			log.Printf("coordinator: duplicate completion for already-committed work_id=%d", item.WorkID)
			c.met.RecordDuplicateCompletion()
			continue
		}
		if _, pending := c.pendingWrite[item.WorkID]; pending {
			log.Printf("coordinator: duplicate completion for pending work_id=%d", item.WorkID)
			c.met.RecordDuplicateCompletion()
			continue
		}
		if _, known := c.issued[item.WorkID]; !known {
			log.Printf("coordinator: completion for unknown work_id=%d", item.WorkID)
			c.met.RecordUnknownWorkID()
			continue
		}
		c.pendingWrite[item.WorkID] = *item.Result
	}

	return c.flushPending(ctx)
}

// flushPending pops consecutive committed results out of pendingWrite in
// work-id order, appends them to the output file in one write, and
// checkpoints if the interval has elapsed. Must be called with mu held.
func (c *Coordinator) flushPending(ctx context.Context) error {
	var writes []byte
	var lastOffset int64
	committed := 0

	for {
		nextID := c.lastProcessedWorkID + 1
		result, ok := c.pendingWrite[nextID]
		if !ok {
			break
		}
		delete(c.pendingWrite, nextID)
		work := c.issued[nextID]
		delete(c.issued, nextID)

		writes = append(writes, []byte(result+"\n")...)
		lastOffset = work.resumeOffset
		c.lastProcessedWorkID = nextID
		committed++

		if c.sink != nil {
			if err := c.sink.MirrorResult(ctx, nextID, result); err != nil {
				log.Printf("coordinator: result mirror failed for work_id=%d: %v", nextID, err)
			}
		}
	}

	if committed == 0 {
		return nil
	}

	n, err := c.out.Write(writes)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	c.outputOffset += int64(n)
	c.inputOffset = lastOffset
	for i := 0; i < committed; i++ {
		c.met.RecordCommitted()
	}

	if time.Since(c.lastCheckpoint) >= c.checkpointInterval {
		if err := c.store.Save(ctx, checkpoint.State{
			LastProcessedWorkID: c.lastProcessedWorkID,
			InputOffset:         c.inputOffset,
			OutputOffset:        c.outputOffset,
		}); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		c.lastCheckpoint = time.Now()
		log.Printf("coordinator: checkpoint saved last_processed_work_id=%d input_offset=%d output_offset=%d",
			c.lastProcessedWorkID, c.inputOffset, c.outputOffset)
	}

	return nil
}

// Status returns a snapshot of the coordinator's internal counters.
func (c *Coordinator) Status(ctx context.Context) workitem.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := c.met.GenerateReport()
	return workitem.StatusResponse{
		LastProcessedWorkID: c.lastProcessedWorkID,
		NextWorkID:          c.nextWorkID,
		Leased:              len(c.issued),
		Pending:             len(c.pendingWrite),
		HeapSize:            c.leases.Len(),
		ExpiredReissues:     report.ExpiredReissues,
	}
}

// Metrics exposes the coordinator's metrics collector, e.g. for a final
// report on shutdown.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.met
}

// Close writes a final checkpoint and closes the output file and input
// reader.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.store.Save(ctx, checkpoint.State{
		LastProcessedWorkID: c.lastProcessedWorkID,
		InputOffset:         c.inputOffset,
		OutputOffset:        c.outputOffset,
	})
	if err != nil {
		log.Printf("coordinator: failed to save final checkpoint: %v", err)
	}

	if cerr := c.in.Close(); cerr != nil {
		log.Printf("coordinator: failed to close input: %v", cerr)
	}
	if cerr := c.out.Close(); cerr != nil {
		return fmt.Errorf("failed to close output file: %w", cerr)
	}
	return err
}
