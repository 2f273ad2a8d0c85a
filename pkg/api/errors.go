package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/agentset/pkg/agent"
	"github.com/stagecraft/agentset/pkg/registry"
	"github.com/stagecraft/agentset/pkg/set"
)

// respondError maps domain errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var lifecycleErr *agent.LifecycleError
	switch {
	case errors.Is(err, set.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotRegistered):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, set.ErrAgentLimit):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, set.ErrAgentExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &lifecycleErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Unexpected handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
