// Package clients holds the HTTP clients for the external collaborators of
// an AgentSet: SecurityManager (service tokens), Brain (reasoning),
// CapabilitiesManager (plugin execution), TrafficManager (routing) and
// MissionControl (escalation and user-facing updates).
//
// All collaborator URLs are host:port; clients add the http scheme.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// tokenLifetimeSlack renews the cached service token this long before expiry.
const tokenLifetimeSlack = 30 * time.Second

// ServiceTokenSource obtains and caches a bearer service token from
// SecurityManager using the shared CLIENT_SECRET.
type ServiceTokenSource struct {
	baseURL      string
	componentID  string
	clientSecret string
	http         *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewServiceTokenSource creates a token source for the given component id.
func NewServiceTokenSource(securityManagerURL, componentID, clientSecret string) *ServiceTokenSource {
	return &ServiceTokenSource{
		baseURL:      "http://" + securityManagerURL,
		componentID:  componentID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a valid service token, fetching a fresh one when the cached
// token is missing or about to expire.
func (s *ServiceTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiry.Add(-tokenLifetimeSlack)) {
		return s.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"componentType": s.componentID,
		"clientSecret":  s.clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/service", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting service token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("requesting service token: status %d", resp.StatusCode)
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"` // seconds; 0 means unknown
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding service token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("service token response contained no token")
	}

	s.token = payload.Token
	if payload.ExpiresIn > 0 {
		s.expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	} else {
		s.expiry = time.Now().Add(5 * time.Minute)
	}
	return s.token, nil
}

// Invalidate drops the cached token, forcing a refresh on next use.
// Called when a collaborator answers 401.
func (s *ServiceTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// verifyCacheTTL bounds how long a verified incoming token stays trusted
// without re-checking with SecurityManager.
const verifyCacheTTL = 5 * time.Minute

// TokenVerifier validates incoming bearer tokens against SecurityManager,
// caching positive results.
type TokenVerifier struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	cache map[string]time.Time // token → verified-until
}

// NewTokenVerifier creates a verifier against SecurityManager.
func NewTokenVerifier(securityManagerURL string) *TokenVerifier {
	return &TokenVerifier{
		baseURL: "http://" + securityManagerURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]time.Time),
	}
}

// Verify reports whether the token is valid. Only positive results are
// cached; failures always re-check.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	v.mu.Lock()
	until, ok := v.cache[token]
	v.mu.Unlock()
	if ok && time.Now().Before(until) {
		return true, nil
	}

	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verifyToken", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("verifying token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var payload struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decoding verification response: %w", err)
	}
	if payload.Valid {
		v.mu.Lock()
		v.cache[token] = time.Now().Add(verifyCacheTTL)
		v.mu.Unlock()
	}
	return payload.Valid, nil
}
