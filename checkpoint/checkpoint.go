// Package checkpoint implements the checkpoint persistence described in
// section 4.1 and section 6 of the design specification: an atomic snapshot
// of (last_processed_work_id, input_offset, output_offset) sufficient to
// resume a coordinator after a restart.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"

	"github.com/LumiOpen/translation-dispatcher/aws"
)

// State is the persisted checkpoint triple described in section 6.
type State struct {
	// LastProcessedWorkID is the highest work-id committed to the output
	// file, or -1 if none has been committed yet.
	LastProcessedWorkID int64 `json:"last_processed_work_id"`
	// InputOffset is the byte offset of the start of the line whose
	// work-id is LastProcessedWorkID+1.
	InputOffset int64 `json:"input_offset"`
	// OutputOffset is the byte length of the output file as of this
	// checkpoint.
	OutputOffset int64 `json:"output_offset"`
}

// Fresh is the state of a coordinator that has never committed anything.
func Fresh() State {
	return State{LastProcessedWorkID: -1}
}

// Store persists and retrieves checkpoint state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStore implements Store against a local file, writing via
// write-temp-then-rename and fsync as required by section 4.1.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing checkpoints to path. The parent
// directory is created if necessary.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Load reads the checkpoint file. A missing file or a file that fails to
// parse is treated as "no checkpoint" (cold start) and returns Fresh(), per
// the reference policy documented in section 9 and DESIGN.md.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fresh(), nil
		}
		return Fresh(), fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if len(data) == 0 {
		return Fresh(), nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return Fresh(), nil
	}
	return state, nil
}

// Save writes the checkpoint atomically: encode, write to a temp file in the
// same directory, fsync, then rename over the real path. Rename is assumed
// atomic on the target filesystem, per section 4.1.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmpPath := f.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp checkpoint file: %w", err)
	}
	return nil
}

// S3Store implements Store against an S3 object, for mirroring a
// coordinator's checkpoint off ephemeral local storage (see SPEC_FULL.md
// Domain Stack). Adapted from the teacher's checkpoint.S3Store.
type S3Store struct {
	client aws.S3Client
	bucket string
	key    string
}

// NewS3Store creates an S3Store from an "s3://bucket/key" URI.
func NewS3Store(client aws.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 checkpoint URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("checkpoint S3 URI must use s3 scheme, got %q", u.Scheme)
	}
	return &S3Store{
		client: client,
		bucket: u.Host,
		key:    strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// Load fetches and decodes the checkpoint object. A missing object is
// treated as a fresh start.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return Fresh(), nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return Fresh(), nil
		}
		return Fresh(), fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return Fresh(), fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

// Save marshals and uploads the checkpoint object.
func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// MirrorStore fans Save out to a primary store and a set of secondary
// stores (e.g. a local FileStore plus an S3Store), returning the primary's
// Load result and the primary's Save error. Secondary failures are reported
// through OnMirrorErr, not surfaced, so a mirror outage never blocks
// progress.
type MirrorStore struct {
	Primary     Store
	Secondary   []Store
	OnMirrorErr func(Store, error)
}

// Load delegates to the primary store.
func (m *MirrorStore) Load(ctx context.Context) (State, error) {
	return m.Primary.Load(ctx)
}

// Save writes to the primary store, then best-effort to each secondary.
func (m *MirrorStore) Save(ctx context.Context, state State) error {
	if err := m.Primary.Save(ctx, state); err != nil {
		return err
	}
	for _, sec := range m.Secondary {
		if err := sec.Save(ctx, state); err != nil && m.OnMirrorErr != nil {
			m.OnMirrorErr(sec, err)
		}
	}
	return nil
}
