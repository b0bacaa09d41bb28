// Package metrics collects the coordinator and task-runner counters used in
// status snapshots and the final completion report. Grounded on
// gurre/ddb-pitr's metrics package (atomic counters, RWMutex-guarded
// duration accumulator, humanized-duration JSON report) with counters
// renamed to the dispatcher's own domain.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects dispatcher counters. All counter fields are updated with
// atomic operations so they may be read concurrently with Status() calls.
type Metrics struct {
	mu sync.RWMutex

	itemsCommitted       int64
	duplicateCompletions int64
	unknownWorkIDs       int64
	expiredReissues      int64
	requestsIssued       int64
	requestErrors        int64
	decodeErrors         int64

	processingTime time.Duration
	startTime      time.Time
}

// NewMetrics creates a new Metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordCommitted increments the committed-work-item counter.
func (m *Metrics) RecordCommitted() {
	atomic.AddInt64(&m.itemsCommitted, 1)
}

// RecordDuplicateCompletion increments the duplicate-completion counter, for
// results reported against a work-id already committed or already pending.
func (m *Metrics) RecordDuplicateCompletion() {
	atomic.AddInt64(&m.duplicateCompletions, 1)
}

// RecordUnknownWorkID increments the unknown-work-id counter, for results
// reported against a work-id the coordinator never issued.
func (m *Metrics) RecordUnknownWorkID() {
	atomic.AddInt64(&m.unknownWorkIDs, 1)
}

// RecordExpiredReissue increments the expired-lease-reissue counter.
func (m *Metrics) RecordExpiredReissue() {
	atomic.AddInt64(&m.expiredReissues, 1)
}

// RecordRequestIssued increments the backend-request counter.
func (m *Metrics) RecordRequestIssued() {
	atomic.AddInt64(&m.requestsIssued, 1)
}

// RecordRequestError increments the backend-request-error counter.
func (m *Metrics) RecordRequestError() {
	atomic.AddInt64(&m.requestErrors, 1)
}

// RecordDecodeError increments the task-source decode-error counter.
func (m *Metrics) RecordDecodeError() {
	atomic.AddInt64(&m.decodeErrors, 1)
}

// RecordProcessingTime accumulates time spent on backend requests.
func (m *Metrics) RecordProcessingTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingTime += d
}

// Report is the final summary emitted when a run completes.
type Report struct {
	StartTime            time.Time     `json:"startTime"`
	EndTime              time.Time     `json:"endTime"`
	ItemsCommitted       int64         `json:"itemsCommitted"`
	DuplicateCompletions int64         `json:"duplicateCompletions"`
	UnknownWorkIDs       int64         `json:"unknownWorkIds"`
	ExpiredReissues      int64         `json:"expiredReissues"`
	RequestsIssued       int64         `json:"requestsIssued"`
	RequestErrors        int64         `json:"requestErrors"`
	DecodeErrors         int64         `json:"decodeErrors"`
	Duration             time.Duration `json:"duration"`
	Throughput           float64       `json:"throughput"`
}

// GenerateReport computes a Report from the current counter values.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	committed := atomic.LoadInt64(&m.itemsCommitted)
	var throughput float64
	if duration > 0 {
		throughput = float64(committed) / duration.Seconds()
	}

	return Report{
		StartTime:            m.startTime,
		EndTime:              endTime,
		ItemsCommitted:       committed,
		DuplicateCompletions: atomic.LoadInt64(&m.duplicateCompletions),
		UnknownWorkIDs:       atomic.LoadInt64(&m.unknownWorkIDs),
		ExpiredReissues:      atomic.LoadInt64(&m.expiredReissues),
		RequestsIssued:       atomic.LoadInt64(&m.requestsIssued),
		RequestErrors:        atomic.LoadInt64(&m.requestErrors),
		DecodeErrors:         atomic.LoadInt64(&m.decodeErrors),
		Duration:             duration,
		Throughput:           throughput,
	}
}

// MarshalJSON formats the report with a humanized duration string.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Run completed in %s\n"+
			"Items committed: %d\n"+
			"Duplicate completions: %d\n"+
			"Unknown work ids: %d\n"+
			"Expired reissues: %d\n"+
			"Requests issued: %d\n"+
			"Request errors: %d\n"+
			"Decode errors: %d\n"+
			"Throughput: %.2f items/sec",
		r.Duration,
		r.ItemsCommitted,
		r.DuplicateCompletions,
		r.UnknownWorkIDs,
		r.ExpiredReissues,
		r.RequestsIssued,
		r.RequestErrors,
		r.DecodeErrors,
		r.Throughput,
	)
}
