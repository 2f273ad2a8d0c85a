// Package persistence stores events, work products and agent state snapshots
// through the Librarian service. It holds no local semantics beyond idempotent
// keyed writes and an append-only event log.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/stagecraft/agentset/pkg/models"
)

// Collections used in the Librarian store.
const (
	collectionEvents       = "events"
	collectionWorkProducts = "workProducts"
	collectionAgents       = "agents"
	collectionConflicts    = "conflicts"
)

const writeAttempts = 3

// TokenSource supplies a bearer service token for Librarian calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the Librarian-backed persistence client.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewClient creates a persistence client. librarianURL is host:port.
// tokens may be nil (unauthenticated, used in tests).
func NewClient(librarianURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: "http://" + librarianURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
	}
}

type storeRequest struct {
	ID          string `json:"id"`
	Data        any    `json:"data"`
	StorageType string `json:"storageType"`
	Collection  string `json:"collection"`
}

// RecordEvent appends an entry to the event log. A zero timestamp is filled
// in. Events carry fresh ids, so retried writes at most duplicate a log line
// rather than corrupt state.
func (c *Client) RecordEvent(ctx context.Context, event models.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return c.store(ctx, uuid.New().String(), collectionEvents, event)
}

// SaveWorkProduct stores a work product keyed by (agentId, stepId).
func (c *Client) SaveWorkProduct(ctx context.Context, wp models.WorkProduct) error {
	if wp.ID == "" {
		wp.ID = WorkProductKey(wp.AgentID, wp.StepID)
	}
	if wp.Timestamp.IsZero() {
		wp.Timestamp = time.Now().UTC()
	}
	return c.store(ctx, wp.ID, collectionWorkProducts, wp)
}

// LoadWorkProduct fetches the work product of a step, or nil if absent.
func (c *Client) LoadWorkProduct(ctx context.Context, agentID, stepID string) (*models.WorkProduct, error) {
	var wp models.WorkProduct
	found, err := c.load(ctx, WorkProductKey(agentID, stepID), collectionWorkProducts, &wp)
	if err != nil || !found {
		return nil, err
	}
	return &wp, nil
}

// SaveAgentState stores an agent state snapshot under the given key
// (agentId, or agentId-vX.Y.Z for versioned snapshots).
func (c *Client) SaveAgentState(ctx context.Context, key string, state any) error {
	return c.store(ctx, key, collectionAgents, state)
}

// LoadAgentState fetches an agent state snapshot into out.
// Returns false if no snapshot exists under the key.
func (c *Client) LoadAgentState(ctx context.Context, key string, out any) (bool, error) {
	return c.load(ctx, key, collectionAgents, out)
}

// SaveConflict stores a conflict keyed by its id, overwriting any previous
// revision as the lifecycle advances.
func (c *Client) SaveConflict(ctx context.Context, conflict models.Conflict) error {
	return c.store(ctx, conflict.ID, collectionConflicts, conflict)
}

// WorkProductKey derives the storage key for a step's work product.
func WorkProductKey(agentID, stepID string) string {
	return agentID + "-" + stepID
}

// store writes a keyed document, retrying transient failures with exponential
// backoff. Writes are idempotent per key, so retries are safe.
func (c *Client) store(ctx context.Context, id, collection string, data any) error {
	body, err := json.Marshal(storeRequest{
		ID:          id,
		Data:        data,
		StorageType: "mongo",
		Collection:  collection,
	})
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", collection, id, err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/storeData", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(ctx, req); err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("librarian store %s/%s: status %d", collection, id, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("librarian store %s/%s: status %d", collection, id, resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), writeAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		slog.Error("Persistence write failed", "collection", collection, "id", id, "error", err)
		return err
	}
	return nil
}

// load reads a keyed document into out. Returns (false, nil) on 404.
func (c *Client) load(ctx context.Context, id, collection string, out any) (bool, error) {
	u := fmt.Sprintf("%s/loadData/%s?collection=%s", c.baseURL, url.PathEscape(id), url.QueryEscape(collection))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("librarian load %s/%s: %w", collection, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("librarian load %s/%s: status %d", collection, id, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	// Librarian wraps documents as {"data": …}.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}
