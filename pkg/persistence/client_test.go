package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/agentset/pkg/models"
)

// newTestClient points a Client at a httptest server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(strings.TrimPrefix(srv.URL, "http://"), nil)
	return c
}

func TestRecordEvent_FillsTimestamp(t *testing.T) {
	var captured storeRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/storeData", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))

	err := c.RecordEvent(context.Background(), models.Event{
		EventType: models.EventDependencyAutoRemap,
		AgentID:   "agent-1",
		MissionID: "mission-1",
	})
	require.NoError(t, err)

	assert.Equal(t, collectionEvents, captured.Collection)
	assert.NotEmpty(t, captured.ID)

	data, _ := json.Marshal(captured.Data)
	var evt models.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.False(t, evt.Timestamp.IsZero())
}

func TestSaveWorkProduct_KeyedByAgentAndStep(t *testing.T) {
	var captured storeRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))

	err := c.SaveWorkProduct(context.Background(), models.WorkProduct{
		AgentID: "agent-1",
		StepID:  "step-7",
		Type:    models.WorkProductInterim,
		Scope:   models.ScopeAgentStep,
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-1-step-7", captured.ID)
	assert.Equal(t, collectionWorkProducts, captured.Collection)
}

func TestStore_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := c.SaveAgentState(context.Background(), "agent-1", map[string]string{"status": "RUNNING"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStore_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	err := c.SaveAgentState(context.Background(), "agent-1", map[string]string{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoadWorkProduct_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	wp, err := c.LoadWorkProduct(context.Background(), "agent-1", "step-1")
	require.NoError(t, err)
	assert.Nil(t, wp)
}

func TestLoadWorkProduct_UnwrapsEnvelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loadData/agent-1-step-1", r.URL.Path)
		assert.Equal(t, collectionWorkProducts, r.URL.Query().Get("collection"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": models.WorkProduct{
				ID:      "agent-1-step-1",
				AgentID: "agent-1",
				StepID:  "step-1",
				Data:    []models.PluginOutput{{Success: true, Name: "answer", Result: "42"}},
			},
		})
	}))

	wp, err := c.LoadWorkProduct(context.Background(), "agent-1", "step-1")
	require.NoError(t, err)
	require.NotNil(t, wp)
	require.Len(t, wp.Data, 1)
	assert.Equal(t, "answer", wp.Data[0].Name)
}

func TestSaveThenLoadAgentState_RoundTrip(t *testing.T) {
	stored := make(map[string]json.RawMessage)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req storeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			data, _ := json.Marshal(req.Data)
			stored[req.ID] = data
			w.WriteHeader(http.StatusOK)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/loadData/")
		data, ok := stored[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))

	type snapshot struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}

	require.NoError(t, c.SaveAgentState(context.Background(), "agent-1", snapshot{ID: "agent-1", Status: "PAUSED"}))

	var out snapshot
	found, err := c.LoadAgentState(context.Background(), "agent-1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snapshot{ID: "agent-1", Status: "PAUSED"}, out)
}
