package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stagecraft/agentset/pkg/models"
)

// Capability call budgets. ACCOMPLISH decompositions can run much longer
// than ordinary plugin executions.
const (
	DefaultCapabilityTimeout    = 1_800_000 * time.Millisecond
	AccomplishCapabilityTimeout = 3_600_000 * time.Millisecond
	capabilityAttempts          = 3
)

// CapabilityRequest describes one step execution sent to CapabilitiesManager.
type CapabilityRequest struct {
	ActionVerb  string                       `json:"actionVerb"`
	StepID      string                       `json:"stepId"`
	AgentID     string                       `json:"agentId"`
	MissionID   string                       `json:"missionId"`
	Description string                       `json:"description,omitempty"`
	Inputs      map[string]models.InputValue `json:"inputs"`
	Outputs     map[string]string            `json:"outputs,omitempty"`
}

// CapabilityExecutor executes action verbs. Implemented by
// CapabilitiesClient; faked in tests.
type CapabilityExecutor interface {
	ExecuteVerb(ctx context.Context, req CapabilityRequest) ([]models.PluginOutput, error)
}

// CapabilitiesClient talks to the CapabilitiesManager plugin executor.
type CapabilitiesClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewCapabilitiesClient creates a client. capabilitiesURL is host:port.
func NewCapabilitiesClient(capabilitiesURL string, tokens TokenSource) *CapabilitiesClient {
	return &CapabilitiesClient{
		baseURL: "http://" + capabilitiesURL,
		// Per-call deadlines come from the request context; the transport
		// timeout only guards against a wedged connection.
		http:   &http.Client{},
		tokens: tokens,
	}
}

// TimeoutForVerb returns the call budget for an action verb.
func TimeoutForVerb(actionVerb string) time.Duration {
	if actionVerb == "ACCOMPLISH" {
		return AccomplishCapabilityTimeout
	}
	return DefaultCapabilityTimeout
}

// ExecuteVerb sends the step to CapabilitiesManager and returns its outputs.
// Transient failures are retried up to 3 attempts with exponential backoff
// starting at 1s. Context cancellation (pause/abort) stops the call
// immediately and is reported unwrapped so callers can distinguish it.
func (c *CapabilitiesClient) ExecuteVerb(ctx context.Context, req CapabilityRequest) ([]models.PluginOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutForVerb(req.ActionVerb))
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var outputs []models.PluginOutput
	operation := func() error {
		resp, err := doAuthorized(ctx, c.http, c.tokens, func() (*http.Request, error) {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/executeAction", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			return httpReq, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500:
			return fmt.Errorf("capabilities %s: status %d", req.ActionVerb, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("capabilities %s: status %d", req.ActionVerb, resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(&outputs); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding capability outputs: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(capabilityBackoff(), capabilityAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil && ctx.Err() == context.Canceled {
			return nil, context.Canceled
		}
		return nil, err
	}
	return outputs, nil
}

func capabilityBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}
