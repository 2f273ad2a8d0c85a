package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/agentset/pkg/registry"
)

type stepLocationRequest struct {
	StepID      string `json:"stepId" binding:"required"`
	AgentID     string `json:"agentId" binding:"required"`
	AgentSetURL string `json:"agentSetUrl"`
}

// RegisterStepLocation records which agent owns a step.
func (s *Server) RegisterStepLocation(c *gin.Context) {
	var req stepLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.set.Registry().Register(req.StepID, registry.Location{
		AgentID:     req.AgentID,
		AgentSetURL: req.AgentSetURL,
	})
	c.JSON(http.StatusCreated, gin.H{"message": "step location registered"})
}

type stepLocationUpdate struct {
	AgentID     string `json:"agentId" binding:"required"`
	AgentSetURL string `json:"agentSetUrl"`
}

// UpdateStepLocation changes the owner of an already-registered step.
func (s *Server) UpdateStepLocation(c *gin.Context) {
	var req stepLocationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.set.Registry().Update(c.Param("stepId"), registry.Location{
		AgentID:     req.AgentID,
		AgentSetURL: req.AgentSetURL,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "step location updated"})
}

// GetStepLocation returns a step's registered location.
func (s *Server) GetStepLocation(c *gin.Context) {
	loc, ok := s.set.Registry().Get(c.Param("stepId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "step location not found"})
		return
	}
	c.JSON(http.StatusOK, loc)
}

// StepOutputs serves a completed step's outputs to peer sets.
func (s *Server) StepOutputs(c *gin.Context) {
	outputs, found, err := s.set.StepOutputs(c.Request.Context(), c.Param("stepId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "step outputs not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outputs": outputs})
}
