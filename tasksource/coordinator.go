package tasksource

import (
	"context"
	"log"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/LumiOpen/translation-dispatcher/client"
	"github.com/LumiOpen/translation-dispatcher/metrics"
	"github.com/LumiOpen/translation-dispatcher/task"
	"github.com/LumiOpen/translation-dispatcher/workitem"
)

// CoordinatorTaskSource pulls batches of work items from a coordinator over
// HTTP and submits completed results back to it. The original work item is
// threaded through as each task's context, so SaveTaskResult can report the
// result against the right work_id. Grounded on
// taskmanager/tasksource/dispatcher.py.
type CoordinatorTaskSource struct {
	client    *client.Client
	factory   task.Factory
	batchSize int

	exhausted atomic.Bool

	// Metrics, if set, receives a RecordDecodeError call for every work
	// item whose content fails to parse as JSON. Left nil, decode errors
	// are still logged but not counted.
	Metrics *metrics.Metrics
}

// NewCoordinatorTaskSource builds a CoordinatorTaskSource against
// serverURL.
func NewCoordinatorTaskSource(serverURL string, factory task.Factory, batchSize int) *CoordinatorTaskSource {
	return &CoordinatorTaskSource{
		client:    client.New(serverURL),
		factory:   factory,
		batchSize: batchSize,
	}
}

// NextTasks requests a batch of work items and builds one task per item. A
// work item whose content fails to parse as JSON is immediately completed
// with an error result and never becomes a task, matching
// dispatcher.py's behavior of reporting malformed content straight back to
// the coordinator instead of silently dropping it.
func (s *CoordinatorTaskSource) NextTasks() ([]task.Task, error) {
	if s.exhausted.Load() {
		return nil, nil
	}

	ctx := context.Background()
	resp, err := s.client.GetWorkRetrying(ctx, s.batchSize)
	if err != nil {
		log.Printf("tasksource: error getting work from coordinator: %v", err)
		return nil, nil
	}

	switch resp.Status {
	case workitem.StatusAllWorkComplete:
		log.Printf("tasksource: coordinator reports all work is complete")
		s.exhausted.Store(true)
		return nil, nil
	case workitem.StatusOK:
		// fall through
	default:
		// RETRY or an unreachable coordinator: no work right now, try later.
		return nil, nil
	}

	var tasks []task.Task
	var errored []workitem.WorkItem
	for _, item := range resp.Items {
		var data map[string]any
		if err := json.Unmarshal([]byte(item.Content), &data); err != nil {
			log.Printf("tasksource: error parsing JSON for work item %d: %v", item.WorkID, err)
			if s.Metrics != nil {
				s.Metrics.RecordDecodeError()
			}
			failed := item
			failed.SetResult(errorResultJSON(err))
			errored = append(errored, failed)
			continue
		}
		tasks = append(tasks, s.factory(data, item))
	}

	if len(errored) > 0 {
		if _, err := s.client.SubmitResultsRetrying(ctx, errored); err != nil {
			log.Printf("tasksource: error reporting malformed work items: %v", err)
		}
	}
	if len(tasks) > 0 {
		log.Printf("tasksource: created %d new tasks from coordinator", len(tasks))
	}
	return tasks, nil
}

// SaveTaskResult submits a completed task's result back to the coordinator
// against the work item carried as its context.
func (s *CoordinatorTaskSource) SaveTaskResult(t task.Task) error {
	result, ctx := t.GetResult()
	item, ok := ctx.(workitem.WorkItem)
	if !ok {
		log.Printf("tasksource: task context is not a work item, dropping result")
		return nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		log.Printf("tasksource: error encoding task result for work item %d: %v", item.WorkID, err)
		return nil
	}
	item.SetResult(string(encoded))

	if _, err := s.client.SubmitResultsRetrying(context.Background(), []workitem.WorkItem{item}); err != nil {
		log.Printf("tasksource: error submitting result for work item %d: %v", item.WorkID, err)
		return nil
	}
	log.Printf("tasksource: submitted result for work item %d back to coordinator", item.WorkID)
	return nil
}

// Exhausted reports whether the coordinator has signaled all work is
// complete.
func (s *CoordinatorTaskSource) Exhausted() bool {
	return s.exhausted.Load()
}

func errorResultJSON(err error) string {
	encoded, marshalErr := json.Marshal(map[string]string{"error": "failed to parse JSON: " + err.Error()})
	if marshalErr != nil {
		return `{"error":"failed to parse JSON"}`
	}
	return string(encoded)
}
