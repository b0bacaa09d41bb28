// Package main implements the task-runner executable described in section
// 7 of the design specification and dispatcher/taskmanager/cli.py. It
// resolves a registered task factory, selects a file- or coordinator-backed
// task source, and drives them with a TaskManager until every task
// completes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LumiOpen/translation-dispatcher/config"
	"github.com/LumiOpen/translation-dispatcher/examples"
	"github.com/LumiOpen/translation-dispatcher/task"
	"github.com/LumiOpen/translation-dispatcher/taskmanager"
	"github.com/LumiOpen/translation-dispatcher/tasksource"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("dispatcher-run", flag.ExitOnError)

	taskName := fs.String("task", "", "Name of a registered task factory (e.g. compare_two_responses)")
	dispatcherURL := fs.String("dispatcher", "", "Use a CoordinatorTaskSource against this dispatcher URL")
	input := fs.String("input", "", "Input JSONL path (file mode)")
	output := fs.String("output", "", "Output JSONL path (file mode)")
	workers := fs.Int("workers", 16, "Task manager worker pool size")
	batchSize := fs.Int("batch-size", 4, "Work items/tasks requested per poll")
	maxActiveTasks := fs.Int("max-active-tasks", 64, "Soft cap on concurrently active tasks")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &config.RunnerConfig{
		Task:           *taskName,
		InputPath:      *input,
		OutputPath:     *output,
		DispatcherURL:  *dispatcherURL,
		Workers:        *workers,
		BatchSize:      *batchSize,
		MaxActiveTasks: *maxActiveTasks,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	factory, ok := task.Lookup(cfg.Task)
	if !ok {
		return fmt.Errorf("no task registered under name %q", cfg.Task)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := taskmanager.New(cfg.Workers, cfg.MaxActiveTasks)

	var source tasksource.TaskSource
	if cfg.DispatcherURL != "" {
		coordSource := tasksource.NewCoordinatorTaskSource(cfg.DispatcherURL, factory, cfg.BatchSize)
		coordSource.Metrics = manager.Metrics()
		source = coordSource
		fmt.Printf("Using CoordinatorTaskSource at %s (batch=%d)\n", cfg.DispatcherURL, cfg.BatchSize)
	} else {
		fileSource, err := tasksource.NewFileTaskSource(cfg.InputPath, cfg.OutputPath, factory, cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to build file task source: %w", err)
		}
		defer func() { _ = fileSource.Close() }()
		fileSource.Metrics = manager.Metrics()
		source = fileSource
		fmt.Printf("Using FileTaskSource %s -> %s (batch=%d)\n", cfg.InputPath, cfg.OutputPath, cfg.BatchSize)
	}

	// spec.md's Non-goals exclude a real compute-backend implementation;
	// this wires the example EchoBackend so the runner is exercisable
	// end-to-end. A production deployment swaps this for a real
	// task.BackendManager.
	backend := examples.NewEchoBackend()

	if err := manager.Process(ctx, source, backend); err != nil {
		return fmt.Errorf("task manager stopped: %w", err)
	}

	report := manager.Metrics().GenerateReport()
	fmt.Println(report)
	return nil
}
