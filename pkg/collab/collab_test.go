package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/agentset/pkg/models"
)

type fakeRecipient struct {
	mu       sync.Mutex
	received []models.CollaborationMessage
}

func (r *fakeRecipient) HandleCollaboration(_ context.Context, msg models.CollaborationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
	return nil
}

type fakeDirectory struct {
	agents map[string]*fakeRecipient
}

func (d *fakeDirectory) LocalAgent(agentID string) (Recipient, bool) {
	a, ok := d.agents[agentID]
	return a, ok
}

type fakeTraffic struct {
	location string
	err      error
}

func (t *fakeTraffic) ResolveAgentSet(context.Context, string) (string, error) {
	return t.location, t.err
}

func (t *fakeTraffic) NotifyAgentRemoved(context.Context, string) {}

func TestRouteLocalRecipient(t *testing.T) {
	recipient := &fakeRecipient{}
	dir := &fakeDirectory{agents: map[string]*fakeRecipient{"a1": recipient}}
	m := NewManager(dir, nil, nil, nil)

	err := m.Route(context.Background(), models.CollaborationMessage{
		Type:        models.CollabKnowledgeShare,
		SenderID:    "a2",
		RecipientID: "a1",
		Payload:     map[string]any{"note": "found it"},
	})
	require.NoError(t, err)

	require.Len(t, recipient.received, 1)
	assert.Equal(t, models.CollabKnowledgeShare, recipient.received[0].Type)
	assert.False(t, recipient.received[0].Timestamp.IsZero())
}

func TestRouteForwardsToRemoteSet(t *testing.T) {
	var got models.CollaborationMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collaboration/message", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := &fakeDirectory{agents: map[string]*fakeRecipient{}}
	traffic := &fakeTraffic{location: strings.TrimPrefix(server.URL, "http://")}
	m := NewManager(dir, traffic, nil, nil)

	err := m.NotifyStepCompleted(context.Background(), "a1", "remote-agent", "m1", "step-9")
	require.NoError(t, err)

	assert.Equal(t, models.CollabStepCompleted, got.Type)
	assert.Equal(t, "remote-agent", got.RecipientID)
	assert.Equal(t, "step-9", got.Payload["stepId"])
}

func TestRouteRemoteWithoutTrafficManagerFails(t *testing.T) {
	dir := &fakeDirectory{agents: map[string]*fakeRecipient{}}
	m := NewManager(dir, nil, nil, nil)

	err := m.Route(context.Background(), models.CollaborationMessage{
		Type:        models.CollabKnowledgeShare,
		RecipientID: "elsewhere",
	})
	assert.ErrorContains(t, err, "not hosted here")
}

func TestRouteRejectsMissingRecipient(t *testing.T) {
	m := NewManager(&fakeDirectory{}, nil, nil, nil)
	err := m.Route(context.Background(), models.CollaborationMessage{Type: models.CollabKnowledgeShare})
	assert.ErrorContains(t, err, "no recipient")
}

func TestForwardPropagatesPeerRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	dir := &fakeDirectory{agents: map[string]*fakeRecipient{}}
	traffic := &fakeTraffic{location: strings.TrimPrefix(server.URL, "http://")}
	m := NewManager(dir, traffic, nil, nil)

	err := m.Route(context.Background(), models.CollaborationMessage{
		Type:        models.CollabKnowledgeShare,
		RecipientID: "remote",
	})
	assert.ErrorContains(t, err, "status 502")
}
