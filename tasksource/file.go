package tasksource

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/LumiOpen/translation-dispatcher/metrics"
	"github.com/LumiOpen/translation-dispatcher/task"
)

// FileContext is the context attached to every task a FileTaskSource
// creates, letting a task's output correlate back to its input line.
type FileContext struct {
	LineNumber int
	InputFile  string
	OutputFile string
}

// FileTaskSource reads JSONL task records from one file and appends JSONL
// results to another, for standalone offline runs that don't need a
// coordinator. Grounded on taskmanager/tasksource/file.py.
type FileTaskSource struct {
	inputPath  string
	outputPath string
	factory    task.Factory
	batchSize  int

	in  *os.File
	out *os.File

	scanner *bufio.Scanner
	writer  *bufio.Writer
	mu      sync.Mutex

	lineNumber int
	exhausted  bool

	// Metrics, if set, receives a RecordDecodeError call for every
	// malformed input line skipped. Left nil, decode errors are still
	// logged but not counted.
	Metrics *metrics.Metrics
}

// NewFileTaskSource opens inputPath for reading and outputPath for writing
// (truncating any existing content), matching file.py's open("r")/open("w")
// modes.
func NewFileTaskSource(inputPath, outputPath string, factory task.Factory, batchSize int) (*FileTaskSource, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("tasksource: opening input file: %w", err)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("tasksource: opening output file: %w", err)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	log.Printf("tasksource: opened input file %q and output file %q", inputPath, outputPath)

	return &FileTaskSource{
		inputPath:  inputPath,
		outputPath: outputPath,
		factory:    factory,
		batchSize:  batchSize,
		in:         in,
		out:        out,
		scanner:    scanner,
		writer:     bufio.NewWriter(out),
	}, nil
}

// NextTasks returns up to batchSize tasks built from the next input lines.
// Malformed JSON lines are logged and skipped, matching file.py's
// behavior of never letting one bad line abort the whole run.
func (s *FileTaskSource) NextTasks() ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted {
		return nil, nil
	}

	var tasks []task.Task
	for len(tasks) < s.batchSize {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return tasks, fmt.Errorf("tasksource: reading input file: %w", err)
			}
			log.Printf("tasksource: reached end of input file")
			s.exhausted = true
			break
		}

		line := s.scanner.Bytes()
		lineNumber := s.lineNumber
		s.lineNumber++
		if len(line) == 0 {
			continue
		}

		var data map[string]any
		if err := json.Unmarshal(line, &data); err != nil {
			log.Printf("tasksource: error parsing JSON from line %d: %v", lineNumber, err)
			if s.Metrics != nil {
				s.Metrics.RecordDecodeError()
			}
			continue
		}

		ctx := FileContext{LineNumber: lineNumber, InputFile: s.inputPath, OutputFile: s.outputPath}
		tasks = append(tasks, s.factory(data, ctx))
	}

	if len(tasks) > 0 {
		log.Printf("tasksource: created %d new tasks from input file", len(tasks))
	}
	return tasks, nil
}

// SaveTaskResult appends the task's result as one JSON line to the output
// file.
func (s *FileTaskSource) SaveTaskResult(t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, _ := t.GetResult()
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("tasksource: encoding task result: %w", err)
	}
	if _, err := s.writer.Write(encoded); err != nil {
		return fmt.Errorf("tasksource: writing task result: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("tasksource: writing task result: %w", err)
	}
	return s.writer.Flush()
}

// Exhausted reports whether the input file has been fully read.
func (s *FileTaskSource) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Close releases the underlying file handles.
func (s *FileTaskSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		s.out.Close()
		s.in.Close()
		return fmt.Errorf("tasksource: flushing output file: %w", err)
	}
	outErr := s.out.Close()
	inErr := s.in.Close()
	log.Printf("tasksource: closed input and output files")
	if outErr != nil {
		return outErr
	}
	return inErr
}
