package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/LumiOpen/translation-dispatcher/workitem"
)

func TestGetWorkOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/work" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("batch_size") != "4" {
			t.Errorf("expected batch_size=4, got %q", r.URL.Query().Get("batch_size"))
		}
		json.NewEncoder(w).Encode(workitem.BatchWorkResponse{
			Status: workitem.StatusOK,
			Items:  []workitem.WorkItem{{WorkID: 1, Content: "hello"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.GetWork(context.Background(), 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != workitem.StatusOK || len(resp.Items) != 1 || resp.Items[0].WorkID != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGetWorkServerUnavailableOnConnectionFailure(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listens here
	resp, err := c.GetWork(context.Background(), 1)
	if err != nil {
		t.Fatalf("expected connection failure to be absorbed, got error: %v", err)
	}
	if resp.Status != workitem.StatusServerUnavailable {
		t.Errorf("expected server_unavailable, got %v", resp.Status)
	}
}

func TestGetWorkAllCompleteOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.GetWork(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != workitem.StatusAllWorkComplete {
		t.Errorf("expected all_work_complete, got %v", resp.Status)
	}
}

func TestNewPrependsScheme(t *testing.T) {
	c := New("example.com:8000")
	if c.baseURL != "http://example.com:8000" {
		t.Errorf("expected scheme to be prepended, got %q", c.baseURL)
	}

	c2 := New("https://example.com:8000/")
	if c2.baseURL != "https://example.com:8000" {
		t.Errorf("expected trailing slash trimmed, got %q", c2.baseURL)
	}
}

func TestSubmitResultsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/results" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var sub workitem.BatchResultSubmission
		json.NewDecoder(r.Body).Decode(&sub)
		json.NewEncoder(w).Encode(workitem.BatchResultResponse{Status: workitem.StatusOK, Count: len(sub.Items)})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result := "done"
	resp, err := c.SubmitResults(context.Background(), []workitem.WorkItem{{WorkID: 1, Content: "x", Result: &result}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != workitem.StatusOK || resp.Count != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestStatusOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(workitem.StatusResponse{NextWorkID: 42})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.NextWorkID != 42 {
		t.Errorf("expected next_work_id 42, got %d", resp.NextWorkID)
	}
}

func TestGetWorkRetryingReturnsImmediatelyWhenReachable(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(workitem.BatchWorkResponse{Status: workitem.StatusOK})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.GetWorkRetrying(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != workitem.StatusOK {
		t.Errorf("expected OK, got %v", resp.Status)
	}
	if calls != 1 {
		t.Errorf("expected exactly one call when the server is reachable, got %d", calls)
	}
}

func TestGetWorkRetryingReturnsUnavailableWhenContextExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New("http://127.0.0.1:1")
	resp, _ := c.GetWorkRetrying(ctx, 1)
	if resp.Status != workitem.StatusServerUnavailable {
		t.Errorf("expected server_unavailable once retries are exhausted or ctx expires, got %v", resp.Status)
	}
}

func TestGetWorkBadStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetWork(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected an error mentioning the status code, got %v", err)
	}
}
