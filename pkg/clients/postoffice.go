package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Registration describes this component to the PostOffice discovery service.
type Registration struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// PostOfficeClient registers the AgentSet with the PostOffice so peers can
// discover it.
type PostOfficeClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewPostOfficeClient creates a client. postOfficeURL is host:port.
func NewPostOfficeClient(postOfficeURL string, tokens TokenSource) *PostOfficeClient {
	return &PostOfficeClient{
		baseURL: "http://" + postOfficeURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

// Register announces the component, retrying with exponential backoff until
// the PostOffice accepts it or ctx is done. PostOffice may still be coming
// up when an AgentSet starts, so startup races are expected.
func (p *PostOfficeClient) Register(ctx context.Context, reg Registration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	policy := backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		return p.register(ctx, reg)
	}, policy)
}

func (p *PostOfficeClient) register(ctx context.Context, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := doAuthorized(ctx, p.http, p.tokens, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/registerComponent", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("registering with postoffice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("registering with postoffice: status %d", resp.StatusCode)
	}
	return nil
}
