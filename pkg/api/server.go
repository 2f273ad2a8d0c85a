// Package api exposes the AgentSet HTTP surface: agent lifecycle and
// messaging, mission-wide controls, the step-location registry, delegation
// and conflict endpoints, and operational routes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/agentset/pkg/set"
	"github.com/stagecraft/agentset/pkg/version"
)

// TokenVerifier validates incoming bearer tokens. Implemented by
// clients.TokenVerifier; nil disables authentication (tests, local runs).
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	set      *set.Set
	verifier TokenVerifier
	metrics  http.Handler
	log      *slog.Logger

	registeredWithPostOffice atomic.Bool
}

// NewServer creates the API server. metricsHandler serves /metrics and may
// be nil to disable the route.
func NewServer(s *set.Set, verifier TokenVerifier, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		set:      s,
		verifier: verifier,
		metrics:  metricsHandler,
		log:      logger.With("component", "api"),
	}
}

// SetRegisteredWithPostOffice records the PostOffice registration outcome
// reported by /ready.
func (s *Server) SetRegisteredWithPostOffice(ok bool) {
	s.registeredWithPostOffice.Store(ok)
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)
	r.GET("/ready", s.Ready)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	authed := r.Group("/", s.requireToken())
	authed.POST("/addAgent", s.AddAgent)
	authed.POST("/removeAgent", s.RemoveAgent)
	authed.GET("/agent/:id", s.AgentState)
	authed.POST("/agent/:id/message", s.AgentMessage)
	authed.GET("/agent/:id/output", s.AgentOutput)
	authed.POST("/agent/:id/signal", s.AgentSignal)

	authed.POST("/pauseAgents", s.PauseAgents)
	authed.POST("/resumeAgents", s.ResumeAgents)
	authed.POST("/abortAgents", s.AbortAgents)
	authed.POST("/abortAgent", s.AbortAgent)
	authed.POST("/resumeAgent", s.ResumeAgent)
	authed.GET("/statistics/:missionId", s.Statistics)
	authed.POST("/saveAgent", s.SaveAgent)

	authed.POST("/step-location", s.RegisterStepLocation)
	authed.PUT("/step-location/:stepId", s.UpdateStepLocation)
	authed.GET("/step-location/:stepId", s.GetStepLocation)
	authed.GET("/stepOutputs/:stepId", s.StepOutputs)

	authed.POST("/delegateTask", s.DelegateTask)
	authed.POST("/conflictVote", s.ConflictVote)
	authed.POST("/resolveConflict", s.ResolveConflict)
	authed.POST("/collaboration/message", s.CollaborationMessage)
	authed.POST("/migrateAgent", s.MigrateAgent)

	return r
}

// Health reports liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"agentCount": s.set.AgentCount(),
		"version":    version.Full(),
	})
}

// Ready reports readiness, including PostOffice registration state.
func (s *Server) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ready":                    true,
		"registeredWithPostOffice": s.registeredWithPostOffice.Load(),
	})
}
