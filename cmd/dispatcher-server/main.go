// Package main implements the coordinator executable described in
// section 7 (CLI surface) of the design specification. It parses flags,
// builds the coordinator's dependencies, and serves the work RPC surface
// until every input line has been committed. Grounded on
// gurre/ddb-pitr's cmd/ddb-pitr/main.go for the flag/config/wiring shape
// and on dispatcher/server.py:main for the flag set itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/s3streamer"

	"github.com/LumiOpen/translation-dispatcher/checkpoint"
	"github.com/LumiOpen/translation-dispatcher/config"
	"github.com/LumiOpen/translation-dispatcher/coordinator"
	"github.com/LumiOpen/translation-dispatcher/inputsource"
	"github.com/LumiOpen/translation-dispatcher/resultmirror"
	"github.com/LumiOpen/translation-dispatcher/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("dispatcher-server", flag.ExitOnError)

	// Required flags, matching server.py:main's argparse.
	inFile := fs.String("infile", "", "Input file path or s3://bucket/key URI")
	outFile := fs.String("outfile", "", "Output file path")

	// Optional flags.
	checkpointPath := fs.String("checkpoint", "", "Checkpoint file path (defaults to <outfile>.checkpoint)")
	checkpointS3URI := fs.String("checkpoint-s3-uri", "", "Optional s3:// URI to mirror the checkpoint to")
	mirrorTable := fs.String("mirror-table", "", "Optional DynamoDB table name mirroring committed results")
	retry := fs.Int("retry", 300, "Retry time in seconds advertised on StatusRetry")
	host := fs.String("host", "0.0.0.0", "Host")
	port := fs.Int("port", 8000, "Port")
	region := fs.String("region", "", "AWS region (defaults to AWS_REGION env)")
	workTimeout := fs.Duration("work-timeout", 5*time.Minute, "Lease duration before a work item is reissued")
	checkpointInterval := fs.Duration("checkpoint-interval", 5*time.Second, "Minimum time between checkpoint writes")
	shutdownPollInterval := fs.Duration("shutdown-poll-interval", 5*time.Second, "How often to check for all-work-complete")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	checkpointFile := *checkpointPath
	if checkpointFile == "" && *outFile != "" {
		checkpointFile = *outFile + ".checkpoint"
	}

	cfg := &config.CoordinatorConfig{
		InFile:               *inFile,
		OutFile:              *outFile,
		CheckpointPath:       checkpointFile,
		CheckpointS3URI:      *checkpointS3URI,
		MirrorTable:          *mirrorTable,
		Host:                 *host,
		Port:                 *port,
		WorkTimeout:          *workTimeout,
		CheckpointInterval:   *checkpointInterval,
		RetrySeconds:         *retry,
		ShutdownPollInterval: *shutdownPollInterval,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	needsAWS := strings.HasPrefix(cfg.InFile, "s3://") || cfg.CheckpointS3URI != "" || cfg.MirrorTable != ""
	var s3Client *s3.Client
	var dynamoClient *dynamodb.Client
	if needsAWS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(*region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		s3Client = s3.NewFromConfig(awsCfg)
		dynamoClient = dynamodb.NewFromConfig(awsCfg)
	}

	reader, err := buildInputReader(cfg.InFile, s3Client)
	if err != nil {
		return fmt.Errorf("failed to build input reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	store, err := buildCheckpointStore(cfg, s3Client)
	if err != nil {
		return fmt.Errorf("failed to build checkpoint store: %w", err)
	}

	var sink coordinator.ResultSink
	if cfg.MirrorTable != "" {
		sink = resultmirror.NewDynamoDBSink(dynamoClient, cfg.MirrorTable)
	}

	coord, err := coordinator.New(ctx, reader, cfg.OutFile, store, sink, cfg.WorkTimeout, cfg.CheckpointInterval)
	if err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	fmt.Printf("Server starting with infile=%s, outfile=%s, checkpoint=%s, retry_time=%d\n",
		cfg.InFile, cfg.OutFile, cfg.CheckpointPath, cfg.RetrySeconds)

	srv := server.New(cfg, coord)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

// buildInputReader selects between a local file and an S3-streamed reader
// based on whether inFile carries an s3:// prefix, matching section 3 of
// the design specification's domain stack.
func buildInputReader(inFile string, s3Client *s3.Client) (inputsource.Reader, error) {
	if !strings.HasPrefix(inFile, "s3://") {
		return inputsource.NewFileReader(inFile)
	}
	bucket, key, err := parseS3URI(inFile)
	if err != nil {
		return nil, err
	}
	streamer := s3streamer.NewS3Streamer(s3Client)
	return inputsource.NewS3Reader(streamer, s3Client, bucket, key), nil
}

// buildCheckpointStore selects between a local FileStore and, if
// --checkpoint-s3-uri is set, a MirrorStore fanning writes out to both,
// matching the teacher's checkpoint.MirrorStore shape.
func buildCheckpointStore(cfg *config.CoordinatorConfig, s3Client *s3.Client) (checkpoint.Store, error) {
	primary, err := checkpoint.NewFileStore(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if cfg.CheckpointS3URI == "" {
		return primary, nil
	}

	secondary, err := checkpoint.NewS3Store(s3Client, cfg.CheckpointS3URI)
	if err != nil {
		return nil, err
	}
	return &checkpoint.MirrorStore{
		Primary:   primary,
		Secondary: []checkpoint.Store{secondary},
		OnMirrorErr: func(_ checkpoint.Store, err error) {
			fmt.Fprintf(os.Stderr, "warning: checkpoint mirror write failed: %v\n", err)
		},
	}, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 input URI: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("S3 input URI must be of the form s3://bucket/key")
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
