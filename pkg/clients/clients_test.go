package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/agentset/pkg/models"
)

func hostport(t *testing.T, handler http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestServiceTokenSource_CachesUntilInvalidated(t *testing.T) {
	var calls atomic.Int32
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/service", r.URL.Path)
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "expiresIn": 3600})
	}))

	src := NewServiceTokenSource(addr, "AgentSet", "secret")

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	src.Invalidate()
	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

// An expired cached token answered with 401 is dropped and the call retried
// once with a freshly issued one.
func TestExpiredTokenRefreshedOn401(t *testing.T) {
	var issued atomic.Int32
	authAddr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := issued.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "tok-" + strconv.Itoa(int(n)), "expiresIn": 3600,
		})
	}))

	trafficAddr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"agentSetUrl": "peer:9001"})
	}))

	src := NewServiceTokenSource(authAddr, "AgentSet", "secret")
	tm := NewTrafficManagerClient(trafficAddr, src)

	// The stale tok-1 draws a 401; the client refreshes and succeeds.
	location, err := tm.ResolveAgentSet(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "peer:9001", location)
	assert.Equal(t, int32(2), issued.Load())
}

// Without a caching token source the 401 is surfaced, not retried.
func TestUnauthorizedWithoutCachingSourcePropagates(t *testing.T) {
	var calls atomic.Int32
	trafficAddr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	tm := NewTrafficManagerClient(trafficAddr, staticTokens("tok"))

	_, err := tm.ResolveAgentSet(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func TestTokenVerifier_CachesPositiveResults(t *testing.T) {
	var calls atomic.Int32
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]bool{"valid": req["token"] == "good"})
	}))

	v := NewTokenVerifier(addr)

	ok, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load(), "positive result should be cached")

	ok, err = v.Verify(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.Verify(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(3), calls.Load(), "negative results should not be cached")

	ok, err = v.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBrainClient_Chat(t *testing.T) {
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ConversationChat, req.ConversationType)
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "Hello there"})
	}))

	b := NewBrainClient(addr, nil)
	reply, err := b.Chat(context.Background(), ConversationChat, []models.ConversationEntry{
		{Role: models.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", reply)
}

func TestParsePlanTasks(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		tasks, err := ParsePlanTasks(`[{"number":1,"actionVerb":"SEARCH","outputs":{"results":"search results"}}]`)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "SEARCH", tasks[0].ActionVerb)
	})

	t.Run("fenced with prose", func(t *testing.T) {
		reply := "Here is the plan:\n```json\n[{\"number\":1,\"actionVerb\":\"WRITE\"},{\"number\":2,\"actionVerb\":\"REVIEW\",\"dependencies\":[{\"inputName\":\"draft\",\"sourceNumber\":1,\"outputName\":\"text\"}]}]\n```\nGood luck!"
		tasks, err := ParsePlanTasks(reply)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, 1, tasks[1].Dependencies[0].SourceNumber)
	})

	t.Run("not a plan", func(t *testing.T) {
		_, err := ParsePlanTasks("I cannot help with that.")
		assert.Error(t, err)
	})

	t.Run("empty array", func(t *testing.T) {
		_, err := ParsePlanTasks("[]")
		assert.Error(t, err)
	})
}

func TestCapabilitiesClient_RetriesThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	c := NewCapabilitiesClient(addr, nil)
	_, err := c.ExecuteVerb(context.Background(), CapabilityRequest{ActionVerb: "SEARCH", StepID: "s1"})
	assert.Error(t, err)
	assert.Equal(t, int32(capabilityAttempts), calls.Load())
}

func TestCapabilitiesClient_SucceedsAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]models.PluginOutput{
			{Success: true, Name: "results", ResultType: models.ValueTypeString, Result: "found it"},
		})
	}))

	c := NewCapabilitiesClient(addr, nil)
	outputs, err := c.ExecuteVerb(context.Background(), CapabilityRequest{ActionVerb: "SEARCH", StepID: "s1"})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "results", outputs[0].Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCapabilitiesClient_CancelledCallReportsCanceled(t *testing.T) {
	started := make(chan struct{})
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	c := NewCapabilitiesClient(addr, nil)
	_, err := c.ExecuteVerb(ctx, CapabilityRequest{ActionVerb: "SEARCH", StepID: "s1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCapabilitiesClient_DoesNotRetryContractErrors(t *testing.T) {
	var calls atomic.Int32
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	c := NewCapabilitiesClient(addr, nil)
	_, err := c.ExecuteVerb(context.Background(), CapabilityRequest{ActionVerb: "UNKNOWN_VERB"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTrafficManagerClient_ResolveAgentSet(t *testing.T) {
	addr := hostport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/getAgentLocation/agent-1":
			_ = json.NewEncoder(w).Encode(map[string]string{"agentSetUrl": "agentset-2:9001"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	tm := NewTrafficManagerClient(addr, nil)

	loc, err := tm.ResolveAgentSet(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agentset-2:9001", loc)

	_, err = tm.ResolveAgentSet(context.Background(), "agent-unknown")
	assert.Error(t, err)
}

func TestTimeoutForVerb(t *testing.T) {
	assert.Equal(t, AccomplishCapabilityTimeout, TimeoutForVerb("ACCOMPLISH"))
	assert.Equal(t, DefaultCapabilityTimeout, TimeoutForVerb("SEARCH"))
}
