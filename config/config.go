// Package config holds the coordinator and task-runner configuration
// structs, constructed from flag.FlagSet in cmd/*/main.go. Grounded on
// gurre/ddb-pitr's config.Config + Validate shape, with flag names crossed
// against the original server.py:main / taskmanager/cli.py argument parsers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// CoordinatorConfig holds the settings for a coordinator server process.
type CoordinatorConfig struct {
	InFile          string // path or s3:// URI to the input file
	OutFile         string // path to the output file (always local)
	CheckpointPath  string // path to the local checkpoint file
	CheckpointS3URI string // optional s3:// URI to mirror the checkpoint to
	MirrorTable     string // optional DynamoDB table name mirroring committed results

	Host string
	Port int

	WorkTimeout        time.Duration // lease duration before a work item is reissued
	CheckpointInterval time.Duration // minimum time between checkpoint writes
	RetrySeconds       int           // retry_in advertised to clients on StatusRetry

	ShutdownPollInterval time.Duration // how often the background watcher checks AllWorkComplete
}

// Validate checks that the configuration is internally consistent.
func (c *CoordinatorConfig) Validate() error {
	if c.InFile == "" {
		return fmt.Errorf("input file is required")
	}
	if c.OutFile == "" {
		return fmt.Errorf("output file is required")
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("checkpoint path is required")
	}
	if c.CheckpointS3URI != "" && !strings.HasPrefix(c.CheckpointS3URI, "s3://") {
		return fmt.Errorf("checkpoint S3 URI must start with s3://")
	}
	if rest, ok := strings.CutPrefix(c.InFile, "s3://"); ok {
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return fmt.Errorf("S3 input URI must include a bucket and key")
		}
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if c.WorkTimeout <= 0 {
		return fmt.Errorf("work timeout must be positive")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.RetrySeconds <= 0 {
		return fmt.Errorf("retry seconds must be positive")
	}
	if c.ShutdownPollInterval <= 0 {
		return fmt.Errorf("shutdown poll interval must be positive")
	}
	return nil
}

// RunnerConfig holds the settings for a task-runner process.
type RunnerConfig struct {
	Task string // name registered via task.Register

	// Exactly one of (InputPath+OutputPath) or DispatcherURL must be set.
	InputPath     string
	OutputPath    string
	DispatcherURL string

	Workers        int // task manager worker pool size
	BatchSize      int // work items requested per poll
	MaxActiveTasks int // soft cap on concurrently active tasks
}

// Validate checks that the runner configuration selects exactly one task
// source and has sane pool sizes.
func (c *RunnerConfig) Validate() error {
	if c.Task == "" {
		return fmt.Errorf("task name is required")
	}

	usesFiles := c.InputPath != "" || c.OutputPath != ""
	usesDispatcher := c.DispatcherURL != ""
	if usesFiles == usesDispatcher {
		return fmt.Errorf("exactly one of --input/--output or --dispatcher must be set")
	}
	if usesFiles && (c.InputPath == "" || c.OutputPath == "") {
		return fmt.Errorf("both --input and --output are required when not using --dispatcher")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.MaxActiveTasks < c.Workers {
		return fmt.Errorf("max active tasks must be at least workers")
	}
	return nil
}
