// Package inputsource abstracts the sequential, byte-offset-tracked line
// reader the coordinator replays input from, so it can resume from a
// checkpointed offset regardless of whether the input lives on local disk or
// in S3. Grounded on the offset bookkeeping in data_tracker.py's infile
// handling (tell()-after-readline semantics).
package inputsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/s3streamer"

	dispatcheraws "github.com/LumiOpen/translation-dispatcher/aws"
)

// ErrClosed is returned by ReadLine after Close has been called.
var ErrClosed = errors.New("inputsource: reader closed")

// Reader is a sequential line source with byte-offset bookkeeping.
//
// ReadLine returns the next line, with its trailing newline stripped, and
// the byte offset immediately following that line, i.e. the offset a
// caller should resume from if everything up to and including this line has
// been committed. It returns io.EOF (with a zero-value line) once the
// source is exhausted.
type Reader interface {
	ReadLine(ctx context.Context) (line []byte, resumeOffset int64, err error)
	// Seek repositions the reader so the next ReadLine call returns the
	// line starting at offset.
	Seek(ctx context.Context, offset int64) error
	// Size returns the total size of the input in bytes, used to detect
	// "no more input" without having attempted a read.
	Size(ctx context.Context) (int64, error)
	Close() error
}

// FileReader implements Reader against a local file.
type FileReader struct {
	f      *os.File
	r      *bufio.Reader
	offset int64
	closed bool
}

// NewFileReader opens path for sequential reading.
func NewFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	return &FileReader{f: f, r: bufio.NewReader(f)}, nil
}

// ReadLine reads the next line from the file.
func (fr *FileReader) ReadLine(ctx context.Context) ([]byte, int64, error) {
	if fr.closed {
		return nil, 0, ErrClosed
	}
	line, err := fr.r.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		if err == io.EOF {
			return nil, fr.offset, io.EOF
		}
		return nil, fr.offset, fmt.Errorf("failed to read input line: %w", err)
	}

	fr.offset += int64(len(line))
	trimmed := trimNewline(line)

	if err == io.EOF {
		// Final line with no trailing newline: return it now, report EOF
		// on the next call.
		return trimmed, fr.offset, nil
	}
	return trimmed, fr.offset, nil
}

// Seek repositions the file and resets the buffered reader.
func (fr *FileReader) Seek(ctx context.Context, offset int64) error {
	if _, err := fr.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek input file: %w", err)
	}
	fr.r = bufio.NewReader(fr.f)
	fr.offset = offset
	return nil
}

// Size returns the file's total size in bytes.
func (fr *FileReader) Size(ctx context.Context) (int64, error) {
	info, err := fr.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat input file: %w", err)
	}
	return info.Size(), nil
}

// Close closes the underlying file.
func (fr *FileReader) Close() error {
	fr.closed = true
	return fr.f.Close()
}

func trimNewline(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		}
	}
	out := make([]byte, n)
	copy(out, line[:n])
	return out
}

// s3Line is one decoded line plus the resume offset that follows it.
type s3Line struct {
	line         []byte
	resumeOffset int64
}

// S3Reader implements Reader against an S3 object, streaming lines through
// a background goroutine bridging the callback-style streamer.Stream API
// (adapted from the teacher's coordinator.worker usage of
// c.streamer.Stream) to the pull-based Reader interface.
type S3Reader struct {
	streamer s3streamer.Streamer
	client   dispatcheraws.S3Client
	bucket   string
	key      string

	mu        chan struct{} // binary semaphore; allocated by NewS3Reader, not acquired by Seek or ReadLine
	lines     chan s3Line
	streamErr chan error
	cancel    func()
	size      int64
	sizeSet   bool
}

// NewS3Reader creates an S3Reader for the given bucket/key. client is used
// only to issue the HeadObject request Size needs; all line streaming goes
// through streamer.
func NewS3Reader(streamer s3streamer.Streamer, client dispatcheraws.S3Client, bucket, key string) *S3Reader {
	return &S3Reader{
		streamer: streamer,
		client:   client,
		bucket:   bucket,
		key:      key,
		mu:       make(chan struct{}, 1),
	}
}

// Size issues a HEAD request for the object on first call and caches the
// result, so repeated AllWorkComplete checks don't re-fetch it.
func (sr *S3Reader) Size(ctx context.Context) (int64, error) {
	if sr.sizeSet {
		return sr.size, nil
	}
	out, err := sr.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &sr.bucket,
		Key:    &sr.key,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to head input object: %w", err)
	}
	if out.ContentLength != nil {
		sr.size = *out.ContentLength
	}
	sr.sizeSet = true
	return sr.size, nil
}

// Seek starts (or restarts) the background stream at the given offset.
func (sr *S3Reader) Seek(ctx context.Context, offset int64) error {
	if sr.cancel != nil {
		sr.cancel()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sr.cancel = cancel
	sr.lines = make(chan s3Line, 64)
	sr.streamErr = make(chan error, 1)

	go func() {
		defer close(sr.lines)
		err := sr.streamer.Stream(streamCtx, sr.bucket, sr.key, offset, func(line []byte, byteOffset int64) error {
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case sr.lines <- s3Line{line: cp, resumeOffset: byteOffset}:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
		sr.streamErr <- err
	}()
	return nil
}

// ReadLine pulls the next line from the background stream.
func (sr *S3Reader) ReadLine(ctx context.Context) ([]byte, int64, error) {
	if sr.lines == nil {
		if err := sr.Seek(ctx, 0); err != nil {
			return nil, 0, err
		}
	}

	select {
	case l, ok := <-sr.lines:
		if !ok {
			if err := <-sr.streamErr; err != nil {
				return nil, 0, fmt.Errorf("failed to stream input from s3: %w", err)
			}
			return nil, 0, io.EOF
		}
		return l.line, l.resumeOffset, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Close stops the background stream.
func (sr *S3Reader) Close() error {
	if sr.cancel != nil {
		sr.cancel()
	}
	return nil
}
