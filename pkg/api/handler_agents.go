package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/agentset/pkg/agent"
	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/set"
)

type addAgentRequest struct {
	AgentID        string                       `json:"agentId"`
	MissionID      string                       `json:"missionId" binding:"required"`
	Role           string                       `json:"role"`
	ActionVerb     string                       `json:"actionVerb"`
	Goal           string                       `json:"goal"`
	Inputs         map[string]models.InputValue `json:"inputs"`
	MissionContext string                       `json:"missionContext"`
}

// AddAgent creates and starts a new agent.
func (s *Server) AddAgent(c *gin.Context) {
	var req addAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := s.set.CreateAgent(c.Request.Context(), agent.Config{
		AgentID:        req.AgentID,
		MissionID:      req.MissionID,
		Role:           req.Role,
		ActionVerb:     req.ActionVerb,
		Goal:           req.Goal,
		Inputs:         req.Inputs,
		MissionContext: req.MissionContext,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent created", "agentId": a.ID})
}

type agentIDRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

// RemoveAgent drops an agent from the set.
func (s *Server) RemoveAgent(c *gin.Context) {
	var req agentIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	removed := s.set.RemoveAgent(c.Request.Context(), req.AgentID)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// AgentState returns one agent's summary.
func (s *Server) AgentState(c *gin.Context) {
	a, ok := s.set.Agent(c.Param("id"))
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", set.ErrAgentNotFound, c.Param("id")))
		return
	}

	steps := a.Steps()
	summaries := make([]gin.H, 0, len(steps))
	for _, st := range steps {
		summaries = append(summaries, gin.H{
			"id":         st.ID,
			"actionVerb": st.ActionVerb,
			"status":     st.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":    a.ID,
		"missionId":  a.MissionID,
		"role":       a.Role,
		"status":     a.Status(),
		"errorCount": a.ErrorCount(),
		"steps":      summaries,
	})
}

// AgentMessage delivers a message to one agent.
func (s *Server) AgentMessage(c *gin.Context) {
	a, ok := s.set.Agent(c.Param("id"))
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", set.ErrAgentNotFound, c.Param("id")))
		return
	}

	var msg models.AgentMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply, err := a.HandleMessage(c.Request.Context(), msg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": reply})
}

// AgentOutput returns the agent's final output.
func (s *Server) AgentOutput(c *gin.Context) {
	a, ok := s.set.Agent(c.Param("id"))
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", set.ErrAgentNotFound, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": a.ID, "output": a.Output()})
}

type signalRequest struct {
	Signal string `json:"signal" binding:"required"`
}

// AgentSignal releases steps awaiting the named signal.
func (s *Server) AgentSignal(c *gin.Context) {
	a, ok := s.set.Agent(c.Param("id"))
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", set.ErrAgentNotFound, c.Param("id")))
		return
	}

	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	released := a.HandleSignal(req.Signal)
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// SaveAgent forces an immediate checkpoint of one agent.
func (s *Server) SaveAgent(c *gin.Context) {
	var req agentIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := s.set.Agent(req.AgentID); !ok {
		respondError(c, fmt.Errorf("%w: %s", set.ErrAgentNotFound, req.AgentID))
		return
	}
	if err := s.set.Lifecycle().Checkpoint(c.Request.Context(), req.AgentID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent checkpointed", "agentId": req.AgentID})
}
