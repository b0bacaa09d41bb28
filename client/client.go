// Package client implements the worker-side RPC client described in
// section 4.2 of the design specification: GetWork, SubmitResults, and
// Status calls against a coordinator's HTTP surface, with transport
// failures synthesised into workitem.StatusServerUnavailable rather than
// returned as Go errors, matching client.py's ConnectionError handling.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/LumiOpen/translation-dispatcher/workitem"
)

// Client talks to a single coordinator over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client for serverURL, accepting either a bare host:port or a
// fully qualified http(s):// URL, matching client.py's WorkClient.__init__.
func New(serverURL string) *Client {
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetWork requests up to batchSize work items. A connection failure is
// reported as workitem.StatusServerUnavailable rather than an error, so
// callers can treat it identically to a coordinator-reported retry.
func (c *Client) GetWork(ctx context.Context, batchSize int) (workitem.BatchWorkResponse, error) {
	url := fmt.Sprintf("%s/work?batch_size=%d", c.baseURL, batchSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return workitem.BatchWorkResponse{}, fmt.Errorf("client: building get-work request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return workitem.BatchWorkResponse{Status: workitem.StatusServerUnavailable}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return workitem.BatchWorkResponse{Status: workitem.StatusAllWorkComplete}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return workitem.BatchWorkResponse{}, fmt.Errorf("client: get-work returned %d: %s", resp.StatusCode, body)
	}

	var out workitem.BatchWorkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return workitem.BatchWorkResponse{}, fmt.Errorf("client: decoding get-work response: %w", err)
	}
	return out, nil
}

// SubmitResults posts completed items back to the coordinator.
func (c *Client) SubmitResults(ctx context.Context, items []workitem.WorkItem) (workitem.BatchResultResponse, error) {
	body, err := json.Marshal(workitem.BatchResultSubmission{Items: items})
	if err != nil {
		return workitem.BatchResultResponse{}, fmt.Errorf("client: encoding result submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/results", bytes.NewReader(body))
	if err != nil {
		return workitem.BatchResultResponse{}, fmt.Errorf("client: building submit-results request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return workitem.BatchResultResponse{Status: workitem.StatusServerUnavailable}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return workitem.BatchResultResponse{}, fmt.Errorf("client: submit-results returned %d: %s", resp.StatusCode, respBody)
	}

	var out workitem.BatchResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return workitem.BatchResultResponse{}, fmt.Errorf("client: decoding submit-results response: %w", err)
	}
	return out, nil
}

// Status fetches the coordinator's current progress snapshot.
func (c *Client) Status(ctx context.Context) (workitem.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return workitem.StatusResponse{}, fmt.Errorf("client: building status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return workitem.StatusResponse{}, fmt.Errorf("client: requesting status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return workitem.StatusResponse{}, fmt.Errorf("client: status returned %d: %s", resp.StatusCode, body)
	}

	var out workitem.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return workitem.StatusResponse{}, fmt.Errorf("client: decoding status response: %w", err)
	}
	return out, nil
}
