package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer() *Server {
	return NewServer(":0", nil, "")
}

func postJob(t *testing.T, s *Server, config JobConfig) Job {
	t.Helper()

	body, _ := json.Marshal(config)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return job
}

func waitForState(t *testing.T, s *Server, jobID string, want JobState) *Job {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, exists := s.jobManager.GetJob(jobID)
		if exists && job.State == want {
			return job
		}
		if exists && (job.State == StateFailed || job.State == StateCancelled) && job.State != want {
			t.Fatalf("Job reached terminal state %s waiting for %s: %s", job.State, want, job.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for job %s to reach %s", jobID, want)
	return nil
}

func TestServer_CreateJob(t *testing.T) {
	s := newTestServer()

	job := postJob(t, s, testConfig())

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}

	// State should be pending or running (since worker starts immediately)
	if job.State != StatePending && job.State != StateRunning {
		t.Errorf("Expected pending or running state, got %s", job.State)
	}

	waitForState(t, s, job.ID, StateCompleted)
}

func TestServer_CreateJob_InvalidJSON(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateJob_UnknownProblem(t *testing.T) {
	s := newTestServer()

	config := testConfig()
	config.Problem = "brachistochrone"
	body, _ := json.Marshal(config)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_CreateJob_BadInitialGuess(t *testing.T) {
	s := newTestServer()

	config := testConfig()
	config.InitialMu = []float64{1, 2}
	body, _ := json.Marshal(config)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected no jobs, got %d", len(jobs))
	}

	postJob(t, s, testConfig())

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("Expected 1 job, got %d", len(jobs))
	}
}

func TestServer_JobStatus(t *testing.T) {
	s := newTestServer()
	job := postJob(t, s, testConfig())
	waitForState(t, s, job.ID, StateCompleted)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/status", job.ID), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var status map[string]any
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status["state"] != string(StateCompleted) {
		t.Errorf("Expected completed state, got %v", status["state"])
	}
	if status["iterations"].(float64) < 1 {
		t.Error("Iterations should be recorded")
	}
	if _, ok := status["foc"].(float64); !ok {
		t.Error("Status should report the criticality norm")
	}
}

func TestServer_JobStatus_NotFound(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_JobResult(t *testing.T) {
	s := newTestServer()
	job := postJob(t, s, testConfig())

	// Before completion there is no result.
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/result", job.ID), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code == http.StatusOK {
		var result RunResult
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatalf("Failed to decode result: %v", err)
		}
	}

	waitForState(t, s, job.ID, StateCompleted)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/result", job.ID), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var result RunResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if len(result.Mu) != 1 {
		t.Errorf("Expected 1 parameter, got %d", len(result.Mu))
	}
	if result.Iterations < 1 {
		t.Error("Result should record the iteration count")
	}
}

func TestServer_CancelJob(t *testing.T) {
	s := newTestServer()

	config := testConfig()
	config.Size = 60 // slow the run down enough to cancel it
	config.MaxIter = 1000
	job := postJob(t, s, config)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", job.ID), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// The worker observes cancellation between outer iterations; completed
	// is possible when the run finishes before the signal lands.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		j, _ := s.jobManager.GetJob(job.ID)
		if j.State == StateCancelled || j.State == StateCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Job never reached a terminal state after cancel")
}

func TestServer_DeleteJob(t *testing.T) {
	s := newTestServer()
	job := postJob(t, s, testConfig())
	waitForState(t, s, job.ID, StateCompleted)

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%s", job.ID), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}

	if _, exists := s.jobManager.GetJob(job.ID); exists {
		t.Error("Job should be gone after delete")
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%s", job.ID), nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", w.Code)
	}
}

func TestServer_Healthz(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var health map[string]any
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected ok status, got %v", health["status"])
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("Metrics endpoint should expose the default collectors")
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPut, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestServer_Stream(t *testing.T) {
	s := newTestServer()
	job := postJob(t, s, testConfig())

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/stream", job.ID), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected SSE content type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "data: ") {
		t.Error("Stream should contain at least the initial event")
	}

	var event ProgressEvent
	first := strings.TrimPrefix(strings.Split(w.Body.String(), "\n")[0], "data: ")
	if err := json.Unmarshal([]byte(first), &event); err != nil {
		t.Fatalf("Failed to decode initial event: %v", err)
	}
	if event.JobID != job.ID {
		t.Errorf("Initial event names job %s, want %s", event.JobID, job.ID)
	}
}
