package siren

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestTeams(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/teams", r.URL.Path)
		w.Write([]byte(`[{"id":1,"name":"NOP Team","slug":"nop","aux":{"ip":"10.0.1.1"}}]`))
	}))

	teams, err := client.Teams(context.Background())
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, 1, teams[0].ID)
	assert.Equal(t, "nop", teams[0].Slug)
	assert.JSONEq(t, `{"ip":"10.0.1.1"}`, string(teams[0].Aux))
}

func TestProblems(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/problems", r.URL.Path)
		w.Write([]byte(`[{"id":7,"enabled":true,"name":"High","slug":"high"}]`))
	}))

	problems, err := client.Problems(context.Background())
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "high", problems[0].Slug)
	assert.True(t, problems[0].Enabled)
}

func TestCurrentRound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/current_round", r.URL.Path)
		w.Write([]byte(`{"round":12}`))
	}))

	round, err := client.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, round)
}

func TestUpsertExploit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/exploits", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "ground", body["name"])
		assert.Equal(t, "sha256:abc", body["key"])
		assert.Equal(t, float64(7), body["problemId"])
		assert.Equal(t, true, body["enabled"])
		w.Write([]byte(`{}`))
	}))

	require.NoError(t, client.UpsertExploit(context.Background(), "ground", "sha256:abc", 7, true))
}

func TestDeleteExploit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/exploits", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "ground", body["name"])
		w.Write([]byte(`{}`))
	}))

	require.NoError(t, client.DeleteExploit(context.Background(), "ground", 7))
}

func TestResolveEndpoint(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/endpoint", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, float64(3), body["teamId"])
		assert.Equal(t, float64(7), body["problemId"])
		w.Write([]byte(`{"host":"10.0.3.1","port":"31337"}`))
	}))

	ep, err := client.ResolveEndpoint(context.Background(), 3, 7)
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "10.0.3.1", Port: "31337"}, ep)
}

func TestCreateTask(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tasks", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, float64(4), body["roundId"])
		assert.Equal(t, "sha256:abc", body["exploitKey"])
		assert.Equal(t, float64(3), body["teamId"])
		w.Write([]byte(`{"id":42,"status":"PENDING"}`))
	}))

	id, err := client.CreateTask(context.Background(), 4, "sha256:abc", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestUpdateTask(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/tasks/42", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "TIMEOUT", body["status"])
		assert.Equal(t, "partial output", body["stdout"])
		w.Write([]byte(`{}`))
	}))

	err := client.UpdateTask(context.Background(), 42, "TIMEOUT", "partial output", "", "")
	require.NoError(t, err)
}

func TestRecordFlag(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/flags", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, float64(42), body["taskId"])
		assert.Equal(t, "FLG{abc}", body["flag"])
		assert.Equal(t, "DUPLICATE", body["submissionResult"])
		w.Write([]byte(`{}`))
	}))

	err := client.RecordFlag(context.Background(), 42, "FLG{abc}", "DUPLICATE", "")
	require.NoError(t, err)
}

func TestNon200FailsWithoutRetry(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	_, err := client.Teams(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGatewayErrorsAreRetried(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"round":1}`))
	}))

	round, err := client.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, round)
	assert.Equal(t, int64(3), calls.Load())
}
