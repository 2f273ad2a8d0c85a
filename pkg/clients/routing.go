package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/stagecraft/agentset/pkg/models"
)

// TrafficManager resolves which AgentSet hosts an agent and is told when
// agents are removed. Implemented by TrafficManagerClient; faked in tests.
type TrafficManager interface {
	ResolveAgentSet(ctx context.Context, agentID string) (string, error)
	NotifyAgentRemoved(ctx context.Context, agentID string)
}

// TrafficManagerClient is the HTTP TrafficManager client.
type TrafficManagerClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewTrafficManagerClient creates a client. trafficManagerURL is host:port.
func NewTrafficManagerClient(trafficManagerURL string, tokens TokenSource) *TrafficManagerClient {
	return &TrafficManagerClient{
		baseURL: "http://" + trafficManagerURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

// ResolveAgentSet returns the host:port of the AgentSet hosting agentID.
func (t *TrafficManagerClient) ResolveAgentSet(ctx context.Context, agentID string) (string, error) {
	u := t.baseURL + "/getAgentLocation/" + url.PathEscape(agentID)
	resp, err := doAuthorized(ctx, t.http, t.tokens, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return "", fmt.Errorf("resolving agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("agent %s not known to traffic manager", agentID)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolving agent %s: status %d", agentID, resp.StatusCode)
	}

	var payload struct {
		AgentSetURL string `json:"agentSetUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding agent location: %w", err)
	}
	if payload.AgentSetURL == "" {
		return "", fmt.Errorf("traffic manager returned empty location for agent %s", agentID)
	}
	return payload.AgentSetURL, nil
}

// NotifyAgentRemoved tells the TrafficManager an agent is gone. Best-effort:
// failures are logged, never propagated.
func (t *TrafficManagerClient) NotifyAgentRemoved(ctx context.Context, agentID string) {
	body, _ := json.Marshal(map[string]string{"agentId": agentID})
	resp, err := doAuthorized(ctx, t.http, t.tokens, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/agentRemoved", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		slog.Warn("Failed to notify traffic manager of agent removal", "agent_id", agentID, "error", err)
		return
	}
	_ = resp.Body.Close()
}

// MissionControl receives agent updates, step failures and conflict
// escalations. Implemented by MissionControlClient; faked in tests.
type MissionControl interface {
	NotifyAgentUpdate(ctx context.Context, agentID, missionID string, status models.AgentStatus, details string)
	NotifyEscalation(ctx context.Context, conflict models.Conflict)
	NotifyStepFailure(ctx context.Context, agentID, missionID, stepID, reason string)
	NotifyWorkProduct(ctx context.Context, wp models.WorkProduct)
}

// MissionControlClient is the HTTP MissionControl client.
type MissionControlClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewMissionControlClient creates a client. missionControlURL is host:port.
func NewMissionControlClient(missionControlURL string, tokens TokenSource) *MissionControlClient {
	return &MissionControlClient{
		baseURL: "http://" + missionControlURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

// NotifyAgentUpdate reports an agent status change. Best-effort.
func (m *MissionControlClient) NotifyAgentUpdate(ctx context.Context, agentID, missionID string, status models.AgentStatus, details string) {
	m.post(ctx, "AGENT_UPDATE", map[string]any{
		"agentId":   agentID,
		"missionId": missionID,
		"status":    status,
		"details":   details,
	})
}

// NotifyEscalation reports a conflict escalated to human attention. Best-effort.
func (m *MissionControlClient) NotifyEscalation(ctx context.Context, conflict models.Conflict) {
	m.post(ctx, "CONFLICT_ESCALATED", map[string]any{
		"conflictId":  conflict.ID,
		"description": conflict.Description,
		"explanation": conflict.Explanation,
		"initiatedBy": conflict.InitiatedBy,
	})
}

// NotifyWorkProduct announces a new work product on the user channel.
// Best-effort.
func (m *MissionControlClient) NotifyWorkProduct(ctx context.Context, wp models.WorkProduct) {
	m.post(ctx, "WORK_PRODUCT_UPDATE", map[string]any{
		"id":            wp.ID,
		"agentId":       wp.AgentID,
		"stepId":        wp.StepID,
		"missionId":     wp.MissionID,
		"type":          wp.Type,
		"scope":         wp.Scope,
		"mimeType":      wp.MimeType,
		"fileName":      wp.FileName,
		"isDeliverable": wp.IsDeliverable,
	})
}

// NotifyStepFailure reports a failed step. Best-effort.
func (m *MissionControlClient) NotifyStepFailure(ctx context.Context, agentID, missionID, stepID, reason string) {
	m.post(ctx, "STEP_FAILURE", map[string]any{
		"agentId":   agentID,
		"missionId": missionID,
		"stepId":    stepID,
		"reason":    reason,
	})
}

func (m *MissionControlClient) post(ctx context.Context, messageType string, content map[string]any) {
	body, _ := json.Marshal(map[string]any{
		"type":      messageType,
		"content":   content,
		"timestamp": time.Now().UTC(),
	})
	resp, err := doAuthorized(ctx, m.http, m.tokens, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/message", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		slog.Warn("Failed to notify mission control", "type", messageType, "error", err)
		return
	}
	_ = resp.Body.Close()
}
