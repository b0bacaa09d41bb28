// Package tasksource implements the task-manager-facing data sources
// described in section 4.5 of the design specification: a place new Tasks
// come from and completed Tasks' results go to. Grounded on
// taskmanager/tasksource/base.py.
package tasksource

import "github.com/LumiOpen/translation-dispatcher/task"

// TaskSource supplies new Tasks and accepts completed ones. Implementations
// must guarantee that every Task returned by NextTasks already has at
// least one request ready via GetNextRequest, so the scheduler never
// proliferates tasks that cannot make progress.
type TaskSource interface {
	// NextTasks returns new tasks, up to the source's own internal batch
	// size. An empty, non-error return means no tasks are available right
	// now but more may arrive later (unless Exhausted reports true).
	NextTasks() ([]task.Task, error)
	// SaveTaskResult persists a completed task's result and context.
	SaveTaskResult(t task.Task) error
	// Exhausted reports whether the source will never produce another
	// task.
	Exhausted() bool
}
