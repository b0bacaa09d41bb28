package server

import (
	"log"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/LumiOpen/translation-dispatcher/workitem"
)

// handleGetWork implements GET /work?batch_size=N. Grounded on
// server.py's get_work: all_work_complete short-circuits to
// StatusAllWorkComplete, an empty batch with pending work outstanding is
// StatusRetry, otherwise the batch is returned as StatusOK.
func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	batchSize := 1
	if raw := r.URL.Query().Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "batch_size must be a positive integer", http.StatusBadRequest)
			return
		}
		batchSize = n
	}

	done, err := s.coord.AllWorkComplete(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if done {
		writeJSON(w, http.StatusOK, workitem.BatchWorkResponse{Status: workitem.StatusAllWorkComplete, Items: []workitem.WorkItem{}})
		return
	}

	batch, err := s.coord.GetWorkBatch(ctx, batchSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(batch) > 0 {
		writeJSON(w, http.StatusOK, workitem.BatchWorkResponse{Status: workitem.StatusOK, Items: batch})
		return
	}

	retryIn := s.cfg.RetrySeconds
	writeJSON(w, http.StatusOK, workitem.BatchWorkResponse{Status: workitem.StatusRetry, RetryIn: &retryIn, Items: []workitem.WorkItem{}})
}

// handleSubmitResults implements POST /results.
func (s *Server) handleSubmitResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var submission workitem.BatchResultSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.coord.CompleteWorkBatch(r.Context(), submission.Items); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, workitem.BatchResultResponse{Status: workitem.StatusOK, Count: len(submission.Items)})
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status(r.Context()))
}

// handleHealth implements GET /health, a supplemented operational-parity
// endpoint not present in server.py (see SPEC_FULL.md section 4).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: error encoding response: %v", err)
	}
}
