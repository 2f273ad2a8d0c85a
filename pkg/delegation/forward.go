package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TokenSource supplies a bearer service token for forwarded requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPForwarder ships delegation requests to peer AgentSets over HTTP.
type HTTPForwarder struct {
	http   *http.Client
	tokens TokenSource
}

// NewHTTPForwarder creates a forwarder. tokens may be nil in tests.
func NewHTTPForwarder(tokens TokenSource) *HTTPForwarder {
	return &HTTPForwarder{
		http:   &http.Client{Timeout: 90 * time.Second},
		tokens: tokens,
	}
}

type forwardEnvelope struct {
	DelegatorID string  `json:"delegatorId"`
	RecipientID string  `json:"recipientId"`
	Request     Request `json:"request"`
}

// Forward posts the delegation to the peer set's delegateTask endpoint.
func (f *HTTPForwarder) Forward(ctx context.Context, agentSetURL, delegatorID, recipientID string, req Request) (Response, error) {
	body, err := json.Marshal(forwardEnvelope{
		DelegatorID: delegatorID,
		RecipientID: recipientID,
		Request:     req,
	})
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+agentSetURL+"/delegateTask", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.tokens != nil {
		token, err := f.tokens.Token(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("acquiring service token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("peer set %s: status %d", agentSetURL, resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decoding delegation response: %w", err)
	}
	return out, nil
}
