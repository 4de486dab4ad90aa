package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialintel/engine/internal/jobs"
	"github.com/socialintel/engine/internal/pipeline"
	"github.com/socialintel/engine/internal/reddit"
)

type fakeRunner struct {
	summary pipeline.Summary
	err     error
	block   chan struct{} // when set, Run waits for it
	started chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, _ pipeline.Request, progress func(string)) (pipeline.Summary, error) {
	if f.started != nil {
		close(f.started)
	}
	if progress != nil {
		progress("working")
	}
	if f.block != nil {
		<-f.block
	}
	return f.summary, f.err
}

func postAnalysis(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func waitForTerminal(t *testing.T, m *jobs.Manager, id string) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Get(id)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return jobs.Job{}
}

func TestSubmitAnalysisAccepted(t *testing.T) {
	manager := jobs.NewManager()
	runner := &fakeRunner{summary: pipeline.Summary{Communities: 3}}
	srv := NewServer(manager, runner, nil)

	rec := postAnalysis(t, srv, `{"domain": "acmewidgets.io"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])

	job := waitForTerminal(t, manager, resp["job_id"])
	assert.Equal(t, jobs.StatusComplete, job.Status)
}

func TestSubmitAnalysisBusyConflict(t *testing.T) {
	manager := jobs.NewManager()
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{})}
	srv := NewServer(manager, runner, nil)

	first := postAnalysis(t, srv, `{"domain": "acmewidgets.io"}`)
	require.Equal(t, http.StatusAccepted, first.Code)
	<-runner.started

	second := postAnalysis(t, srv, `{"domain": "other.io"}`)
	assert.Equal(t, http.StatusConflict, second.Code)

	close(runner.block)
}

func TestSubmitAnalysisValidation(t *testing.T) {
	srv := NewServer(jobs.NewManager(), &fakeRunner{}, nil)

	rec := postAnalysis(t, srv, `{"domain": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postAnalysis(t, srv, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailedRunMarksJobFailed(t *testing.T) {
	manager := jobs.NewManager()
	runner := &fakeRunner{err: &reddit.AuthError{StatusCode: 401, Body: "bad creds"}}
	srv := NewServer(manager, runner, nil)

	rec := postAnalysis(t, srv, `{"domain": "acmewidgets.io"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	job := waitForTerminal(t, manager, resp["job_id"])
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "authentication failed")
}

func TestGetAnalysisNotFound(t *testing.T) {
	srv := NewServer(jobs.NewManager(), &fakeRunner{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv := NewServer(jobs.NewManager(), &fakeRunner{}, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestFailureMessageMapping(t *testing.T) {
	assert.Contains(t, failureMessage(&reddit.AuthError{StatusCode: 401}), "authentication failed")
	assert.Contains(t, failureMessage(&reddit.RequestError{Path: "/search", StatusCode: 500}), "request failed")
	assert.Contains(t, failureMessage(&reddit.ConfigError{Reason: "missing user agent"}), "configuration error")
	assert.Contains(t, failureMessage(errors.New("boom")), "analysis failed: boom")
}
