// Package collab routes collaboration messages between agents: to a local
// agent directly, or over HTTP to the AgentSet hosting a remote recipient.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/models"
)

// Recipient is the slice of an agent the router needs.
type Recipient interface {
	HandleCollaboration(ctx context.Context, msg models.CollaborationMessage) error
}

// Directory finds agents hosted on this AgentSet.
type Directory interface {
	LocalAgent(agentID string) (Recipient, bool)
}

// TokenSource supplies a bearer service token for forwarded messages.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Manager delivers collaboration messages, preferring local delivery and
// falling back to the TrafficManager for remote recipients.
type Manager struct {
	directory Directory
	traffic   clients.TrafficManager
	http      *http.Client
	tokens    TokenSource
	log       *slog.Logger
}

// NewManager creates a collaboration router. traffic may be nil when the
// deployment is a single set; remote recipients then fail with an error.
func NewManager(directory Directory, traffic clients.TrafficManager, tokens TokenSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		directory: directory,
		traffic:   traffic,
		http:      &http.Client{Timeout: 30 * time.Second},
		tokens:    tokens,
		log:       logger.With("component", "collab"),
	}
}

// Route delivers msg to its recipient. A zero timestamp is filled in.
func (m *Manager) Route(ctx context.Context, msg models.CollaborationMessage) error {
	if msg.RecipientID == "" {
		return fmt.Errorf("collaboration message has no recipient")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if agent, ok := m.directory.LocalAgent(msg.RecipientID); ok {
		m.log.Debug("Delivering collaboration message locally",
			"type", msg.Type, "recipient", msg.RecipientID)
		return agent.HandleCollaboration(ctx, msg)
	}
	return m.forward(ctx, msg)
}

// NotifyStepCompleted tells a delegating agent that its delegated step has
// finished elsewhere, carrying the step id so the delegator can unblock
// dependents.
func (m *Manager) NotifyStepCompleted(ctx context.Context, senderID, recipientID, missionID, stepID string) error {
	return m.Route(ctx, models.CollaborationMessage{
		Type:        models.CollabStepCompleted,
		SenderID:    senderID,
		RecipientID: recipientID,
		MissionID:   missionID,
		Payload:     map[string]any{"stepId": stepID},
	})
}

// forward ships the message to the AgentSet hosting the recipient.
func (m *Manager) forward(ctx context.Context, msg models.CollaborationMessage) error {
	if m.traffic == nil {
		return fmt.Errorf("agent %s is not hosted here and no traffic manager is configured", msg.RecipientID)
	}

	agentSetURL, err := m.traffic.ResolveAgentSet(ctx, msg.RecipientID)
	if err != nil {
		return fmt.Errorf("locating agent %s: %w", msg.RecipientID, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+agentSetURL+"/collaboration/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.tokens != nil {
		token, err := m.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("acquiring service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding collaboration message to %s: %w", agentSetURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer set %s rejected collaboration message: status %d", agentSetURL, resp.StatusCode)
	}

	m.log.Debug("Forwarded collaboration message",
		"type", msg.Type, "recipient", msg.RecipientID, "peer", agentSetURL)
	return nil
}
