package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrace/raceway/internal/race"
)

func TestRunHealthCheck_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	parts := strings.TrimPrefix(srv.URL, "http://")
	colonIdx := strings.LastIndex(parts, ":")
	port := parts[colonIdx:]

	err := runHealthCheck(port)
	require.NoError(t, err)
}

func TestRunHealthCheck_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	parts := strings.TrimPrefix(srv.URL, "http://")
	colonIdx := strings.LastIndex(parts, ":")
	port := parts[colonIdx:]

	err := runHealthCheck(port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check returned status 503")
}

func TestRunHealthCheck_ConnectionError(t *testing.T) {
	err := runHealthCheck(":19") // chargen port, unlikely to be in use
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check request failed")
}

func TestExitCodeForOutcome(t *testing.T) {
	cases := map[race.Outcome]int{
		race.OutcomeDone:                  0,
		race.OutcomeNoCandidates:          3,
		race.OutcomeAllPreviewsFailed:     3,
		race.OutcomeJudgeFailed:           4,
		race.OutcomeBudgetExceeded:        5,
		race.OutcomeAllFullAttemptsFailed: 6,
		race.Outcome("unknown"):           1,
	}
	for outcome, want := range cases {
		if got := exitCodeForOutcome(outcome); got != want {
			t.Errorf("exitCodeForOutcome(%q) = %d, want %d", outcome, got, want)
		}
	}
}
