package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/version"
)

// ConversationType selects the Brain model profile for a chat call.
type ConversationType string

// Conversation types understood by Brain.
const (
	ConversationChat     ConversationType = "text/chat"
	ConversationPlanning ConversationType = "text/planning"
	ConversationCode     ConversationType = "text/code"
)

// Brain is the reasoning surface the execution core depends on.
type Brain interface {
	Chat(ctx context.Context, conversationType ConversationType, exchanges []models.ConversationEntry) (string, error)
	Plan(ctx context.Context, goal, missionContext string) ([]models.PlanTask, error)
}

// BrainClient talks to the Brain service over HTTP.
type BrainClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// TokenSource supplies a bearer service token for outbound calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// NewBrainClient creates a Brain client. brainURL is host:port.
func NewBrainClient(brainURL string, tokens TokenSource) *BrainClient {
	return &BrainClient{
		baseURL: "http://" + brainURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
		tokens:  tokens,
	}
}

type chatRequest struct {
	Exchanges        []models.ConversationEntry `json:"exchanges"`
	ConversationType ConversationType           `json:"optimization,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
	Result   string `json:"result,omitempty"`
}

// Chat sends a conversation to Brain and returns the reply text.
func (b *BrainClient) Chat(ctx context.Context, conversationType ConversationType, exchanges []models.ConversationEntry) (string, error) {
	body, err := json.Marshal(chatRequest{Exchanges: exchanges, ConversationType: conversationType})
	if err != nil {
		return "", err
	}

	resp, err := doAuthorized(ctx, b.http, b.tokens, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("brain chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("brain chat: status %d", resp.StatusCode)
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding brain response: %w", err)
	}
	if payload.Response != "" {
		return payload.Response, nil
	}
	return payload.Result, nil
}

// Plan asks Brain to produce a plan for a goal and parses the reply into
// plan tasks. The reply must be a JSON array of task descriptors; anything
// else is a contract violation.
func (b *BrainClient) Plan(ctx context.Context, goal, missionContext string) ([]models.PlanTask, error) {
	exchanges := []models.ConversationEntry{
		{Role: models.RoleSystem, Content: planningInstruction},
		{Role: models.RoleUser, Content: fmt.Sprintf("Goal: %s\n\nMission context: %s", goal, missionContext)},
	}

	reply, err := b.Chat(ctx, ConversationPlanning, exchanges)
	if err != nil {
		return nil, err
	}

	tasks, err := ParsePlanTasks(reply)
	if err != nil {
		return nil, fmt.Errorf("brain returned a malformed plan: %w", err)
	}
	return tasks, nil
}

const planningInstruction = "Decompose the goal into an ordered JSON array of tasks. " +
	"Each task has: number, actionVerb, description, inputs, dependencies " +
	"(inputName, sourceNumber, outputName), outputs, recommendedRole. " +
	"Reply with the JSON array only."

// ParsePlanTasks extracts a plan task array from reply text, tolerating
// surrounding prose and markdown fences.
func ParsePlanTasks(reply string) ([]models.PlanTask, error) {
	text := strings.TrimSpace(reply)
	if i := strings.Index(text, "["); i >= 0 {
		if j := strings.LastIndex(text, "]"); j > i {
			text = text[i : j+1]
		}
	}

	var tasks []models.PlanTask
	if err := json.Unmarshal([]byte(text), &tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("plan contained no tasks")
	}
	return tasks, nil
}

func authorize(ctx context.Context, req *http.Request, tokens TokenSource) error {
	if tokens == nil {
		return nil
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// tokenInvalidator is implemented by token sources that cache credentials
// and can drop a stale one.
type tokenInvalidator interface {
	Invalidate()
}

// doAuthorized sends an authorized request built by newRequest. When the
// collaborator answers 401 and the token source caches credentials, the
// cached token is dropped and the request retried once with a fresh one, so
// a long-lived process recovers from service-token expiry.
func doAuthorized(ctx context.Context, client *http.Client, tokens TokenSource, newRequest func() (*http.Request, error)) (*http.Response, error) {
	send := func() (*http.Response, error) {
		req, err := newRequest()
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", version.UserAgent())
		if err := authorize(ctx, req, tokens); err != nil {
			return nil, err
		}
		return client.Do(req)
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	inv, ok := tokens.(tokenInvalidator)
	if resp.StatusCode != http.StatusUnauthorized || !ok {
		return resp, nil
	}
	_ = resp.Body.Close()
	inv.Invalidate()
	return send()
}
