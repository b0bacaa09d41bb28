package task

import (
	"errors"
	"fmt"
	"log"
)

// GenFunc is the body of a generator-driven task: a cooperative routine
// that yields one or more Requests through y and is resumed with their
// Responses, eventually returning the task's result payload. It runs on
// its own goroutine; all communication with the scheduler goes through y,
// never through shared memory, per spec.md section 9's "lightweight
// fiber/green-thread with message passing" guidance.
type GenFunc func(y *Yielder) (map[string]any, error)

// Yielder is the suspension point a GenFunc uses to hand requests to the
// scheduler and receive their responses.
type Yielder struct {
	out chan<- genMsg
	in  <-chan []Response
}

// Yield hands a single request to the scheduler and blocks the generator
// goroutine until its response arrives.
func (y *Yielder) Yield(req Request) Response {
	resps := y.YieldBatch([]Request{req})
	if len(resps) == 0 {
		return Response{}
	}
	return resps[0]
}

// YieldBatch hands a batch of requests to the scheduler and blocks until
// every response has arrived, returned in the same order the requests were
// yielded in (not arrival order), see spec.md scenario 6.
func (y *Yielder) YieldBatch(reqs []Request) []Response {
	y.out <- genMsg{requests: reqs}
	return <-y.in
}

// genMsg is what the generator goroutine sends to the scheduler-facing
// side: either a yielded batch awaiting responses, or a terminal result.
type genMsg struct {
	requests []Request
	done     bool
	result   map[string]any
	err      error
}

// ErrEmptyYield is the error a task finishes with if its generator yields
// an empty batch, which the contract in spec.md section 4.4 forbids.
var ErrEmptyYield = errors.New("task: generator yielded an empty batch")

// ErrNoResult is the error a task finishes with if its generator returns
// without a result payload and without an error, which spec.md section 4.4
// forbids.
var ErrNoResult = errors.New("task: generator terminated without a result payload")

// GeneratorTask implements Task by driving a GenFunc on its own goroutine
// and translating GetNextRequest/ProcessResult calls into channel handoffs.
// Requests within a batch are correlated to their responses by an internal
// sequence number stamped on each Request, invisible to BackendManager
// implementations, which only need to round-trip the Request unchanged.
type GeneratorTask struct {
	data map[string]any
	ctx  any

	toGen   chan []Response
	fromGen chan genMsg

	pending    []Request
	batchOrder []int64
	waiting    map[int64]struct{}
	collected  map[int64]Response

	nextSeq int64
	done    bool
	result  map[string]any
}

// NewGeneratorTask constructs a GeneratorTask and primes it with its first
// batch of requests, satisfying the contract that a freshly created task
// must have at least one ready request.
func NewGeneratorTask(data map[string]any, taskCtx any, gen GenFunc) *GeneratorTask {
	g := &GeneratorTask{
		data:    data,
		ctx:     taskCtx,
		toGen:   make(chan []Response),
		fromGen: make(chan genMsg),
		waiting: make(map[int64]struct{}),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.fromGen <- genMsg{done: true, err: fmt.Errorf("task: generator panicked: %v", r)}
			}
		}()
		y := &Yielder{out: g.fromGen, in: g.toGen}
		result, err := gen(y)
		g.fromGen <- genMsg{done: true, result: result, err: err}
	}()

	g.advance()
	return g
}

// advance blocks until the generator goroutine either yields a new batch
// (loaded into pending/waiting/collected) or finishes (recording result and
// marking done).
func (g *GeneratorTask) advance() {
	msg := <-g.fromGen
	if msg.done {
		g.done = true
		if msg.err == nil && msg.result == nil {
			msg.err = ErrNoResult
		}
		if msg.err != nil {
			log.Printf("task: generator finished with error: %v", msg.err)
			g.result = map[string]any{"error": msg.err.Error()}
			return
		}
		g.result = msg.result
		return
	}

	if len(msg.requests) == 0 {
		log.Printf("task: %v", ErrEmptyYield)
		g.done = true
		g.result = map[string]any{"error": ErrEmptyYield.Error()}
		return
	}

	g.batchOrder = g.batchOrder[:0]
	g.waiting = make(map[int64]struct{}, len(msg.requests))
	g.collected = make(map[int64]Response, len(msg.requests))
	g.pending = make([]Request, 0, len(msg.requests))
	for _, req := range msg.requests {
		req.seq = g.nextSeq
		g.nextSeq++
		g.batchOrder = append(g.batchOrder, req.seq)
		g.waiting[req.seq] = struct{}{}
		g.pending = append(g.pending, req)
	}
}

// GetNextRequest returns the next queued request from the current batch, if
// any remain undispatched.
func (g *GeneratorTask) GetNextRequest() (Request, bool) {
	if len(g.pending) == 0 {
		return Request{}, false
	}
	req := g.pending[0]
	g.pending = g.pending[1:]
	return req, true
}

// ProcessResult records a response against its originating request's
// internal sequence number. Once every request in the current batch has a
// response, they are reassembled in yield order and handed back to the
// generator, which resumes and either yields the next batch or finishes.
func (g *GeneratorTask) ProcessResult(resp Response) {
	seq := resp.Request.seq
	if _, ok := g.waiting[seq]; !ok {
		log.Printf("task: received response for unknown or already-processed request")
		return
	}
	delete(g.waiting, seq)
	g.collected[seq] = resp

	if len(g.waiting) > 0 {
		return
	}

	ordered := make([]Response, len(g.batchOrder))
	for i, seq := range g.batchOrder {
		ordered[i] = g.collected[seq]
	}
	g.toGen <- ordered
	g.advance()
}

// IsDone reports whether the generator has returned its final result.
func (g *GeneratorTask) IsDone() bool {
	return g.done
}

// GetResult returns the generator's result payload and the original
// context. Only meaningful once IsDone reports true.
func (g *GeneratorTask) GetResult() (map[string]any, any) {
	return g.result, g.ctx
}
