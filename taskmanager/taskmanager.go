// Package taskmanager implements the scheduler loop described in spec.md
// section 4.5: a fixed-size worker pool drives Requests produced by a pool
// of active Tasks through a BackendManager, feeding Responses back as they
// complete, pulling fresh Tasks from a TaskSource as room allows, and
// saving results as Tasks finish. Grounded on
// taskmanager/taskmanager.py's TaskManager.process_tasks, with Python's
// ThreadPoolExecutor-plus-futures-map replaced by a worker-goroutine pool
// and request/response channels, per spec.md section 9's preference for
// message passing over shared-state polling.
package taskmanager

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LumiOpen/translation-dispatcher/metrics"
	"github.com/LumiOpen/translation-dispatcher/task"
	"github.com/LumiOpen/translation-dispatcher/tasksource"
)

// idlePollInterval bounds how long the scheduler waits before re-checking
// for schedulable work when nothing else has woken it, mirroring the
// 10ms sleep at the bottom of process_tasks's main loop.
const idlePollInterval = 10 * time.Millisecond

type job struct {
	task task.Task
	req  task.Request
}

type outcome struct {
	task task.Task
	resp task.Response
}

// TaskManager owns the scheduler loop. It is not safe for concurrent use of
// a single instance's Process method from multiple goroutines.
type TaskManager struct {
	numWorkers     int
	maxActiveTasks int

	warnedTaskLimit bool

	met *metrics.Metrics
}

// New builds a TaskManager with numWorkers concurrent backend workers and a
// soft cap of maxActiveTasks simultaneously in-progress tasks.
func New(numWorkers, maxActiveTasks int) *TaskManager {
	return &TaskManager{numWorkers: numWorkers, maxActiveTasks: maxActiveTasks, met: metrics.NewMetrics()}
}

// Metrics returns the task manager's metrics collector, so a caller can
// share it with the task source (for decode-error counting) and print a
// final report once Process returns, matching the teacher's
// c.metrics/GenerateReport pattern.
func (m *TaskManager) Metrics() *metrics.Metrics {
	return m.met
}

// Process drives source and backend until the source is exhausted and every
// active task has finished, or ctx is canceled. It blocks.
func (m *TaskManager) Process(ctx context.Context, source tasksource.TaskSource, backend task.BackendManager) error {
	log.Printf("taskmanager: started with %d workers, max active tasks %d", m.numWorkers, m.maxActiveTasks)

	jobs := make(chan job)
	results := make(chan outcome)
	done := make(chan struct{})
	defer close(done)

	for i := 0; i < m.numWorkers; i++ {
		go m.worker(ctx, backend, jobs, results, done)
	}

	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	var active []task.Task
	pending := 0

	drainResult := func(o outcome) {
		pending--
		o.task.ProcessResult(o.resp)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-results:
			drainResult(o)
		default:
		}

		for pending < m.numWorkers {
			req, t, ok := nextSchedulable(active)
			if !ok {
				break
			}
			select {
			case jobs <- job{task: t, req: req}:
				pending++
			case o := <-results:
				drainResult(o)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if pending < m.numWorkers && len(active) < m.maxActiveTasks && !source.Exhausted() {
			newTasks, err := source.NextTasks()
			if err != nil {
				return fmt.Errorf("taskmanager: pulling next tasks: %w", err)
			}
			if len(newTasks) > 0 {
				if len(active)+len(newTasks) > m.maxActiveTasks && !m.warnedTaskLimit {
					log.Printf("taskmanager: exceeding suggested maximum active tasks limit (%d)", m.maxActiveTasks)
					m.warnedTaskLimit = true
				}
				active = append(active, newTasks...)
				log.Printf("taskmanager: added %d new tasks, total active %d", len(newTasks), len(active))
			}
		}

		remaining := active[:0]
		for _, t := range active {
			if !t.IsDone() {
				remaining = append(remaining, t)
				continue
			}
			if err := source.SaveTaskResult(t); err != nil {
				log.Printf("taskmanager: error saving task result: %v", err)
			}
		}
		active = remaining

		if len(active) == 0 && pending == 0 && source.Exhausted() {
			log.Printf("taskmanager: all work completed, exiting")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-results:
			drainResult(o)
		case <-ticker.C:
		}
	}
}

// nextSchedulable scans active in order for the first task with a ready
// request, matching taskmanager.py's round-robin-from-the-start scan.
func nextSchedulable(active []task.Task) (task.Request, task.Task, bool) {
	for _, t := range active {
		if t.IsDone() {
			continue
		}
		if req, ok := t.GetNextRequest(); ok {
			return req, t, true
		}
	}
	return task.Request{}, nil, false
}

func (m *TaskManager) worker(ctx context.Context, backend task.BackendManager, jobs <-chan job, results chan<- outcome, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case j := <-jobs:
			resp := m.process(ctx, backend, j.req)
			select {
			case results <- outcome{task: j.task, resp: resp}:
			case <-done:
				return
			}
		}
	}
}

// process calls the backend, converting a panic into an error Response so a
// single misbehaving backend call cannot take down the scheduler, the Go
// equivalent of process_tasks's try/except around future.result().
func (m *TaskManager) process(ctx context.Context, backend task.BackendManager, req task.Request) (resp task.Response) {
	m.met.RecordRequestIssued()
	start := time.Now()
	defer func() {
		m.met.RecordProcessingTime(time.Since(start))
		if r := recover(); r != nil {
			resp = task.ErrorResponse(req, fmt.Errorf("taskmanager: backend panicked: %v", r))
		}
		if resp.Err != nil {
			m.met.RecordRequestError()
		}
	}()
	return backend.Process(ctx, req)
}
