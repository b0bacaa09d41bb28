package client

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/LumiOpen/translation-dispatcher/workitem"
)

// maxUnavailableRetries bounds how many calls in total, the first one
// included, GetWorkRetrying/SubmitResultsRetrying make while the server
// reports server_unavailable before giving up and returning the failed
// status to the caller.
const maxUnavailableRetries = 6

// backoffWait sleeps for an exponentially increasing duration with jitter,
// mirroring resultmirror's retry shape, returning false if ctx is canceled
// first.
func backoffWait(ctx context.Context, attempt int) bool {
	base := 200 * time.Millisecond
	maxDelay := 10 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay / 2)))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// GetWorkRetrying calls GetWork, retrying with bounded exponential backoff
// whenever the coordinator is unreachable, so a transient network blip
// never surfaces to the caller as a status distinct from a normal retry.
// It still returns a server_unavailable response (rather than an error) if
// every retry is exhausted, leaving the caller's retry policy in charge of
// whether to give up entirely.
func (c *Client) GetWorkRetrying(ctx context.Context, batchSize int) (workitem.BatchWorkResponse, error) {
	var resp workitem.BatchWorkResponse
	var err error
	for attempt := 0; attempt < maxUnavailableRetries; attempt++ {
		resp, err = c.GetWork(ctx, batchSize)
		if err != nil || resp.Status != workitem.StatusServerUnavailable {
			return resp, err
		}
		if !backoffWait(ctx, attempt) {
			return resp, ctx.Err()
		}
	}
	return resp, err
}

// SubmitResultsRetrying calls SubmitResults, retrying with the same bounded
// exponential backoff as GetWorkRetrying.
func (c *Client) SubmitResultsRetrying(ctx context.Context, items []workitem.WorkItem) (workitem.BatchResultResponse, error) {
	var resp workitem.BatchResultResponse
	var err error
	for attempt := 0; attempt < maxUnavailableRetries; attempt++ {
		resp, err = c.SubmitResults(ctx, items)
		if err != nil || resp.Status != workitem.StatusServerUnavailable {
			return resp, err
		}
		if !backoffWait(ctx, attempt) {
			return resp, ctx.Err()
		}
	}
	return resp, err
}
