package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type missionRequest struct {
	MissionID string `json:"missionId" binding:"required"`
}

// PauseAgents pauses every agent of a mission hosted on this set.
func (s *Server) PauseAgents(c *gin.Context) {
	var req missionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := s.set.PauseMission(c.Request.Context(), req.MissionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": count})
}

// ResumeAgents resumes every paused agent of a mission.
func (s *Server) ResumeAgents(c *gin.Context) {
	var req missionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := s.set.ResumeMission(c.Request.Context(), req.MissionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": count})
}

// AbortAgents aborts every agent of a mission.
func (s *Server) AbortAgents(c *gin.Context) {
	var req missionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := s.set.AbortMission(c.Request.Context(), req.MissionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// AbortAgent aborts a single agent.
func (s *Server) AbortAgent(c *gin.Context) {
	var req agentIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.set.AbortAgent(c.Request.Context(), req.AgentID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent aborted", "agentId": req.AgentID})
}

// ResumeAgent resumes a single paused agent.
func (s *Server) ResumeAgent(c *gin.Context) {
	var req agentIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.set.ResumeAgent(c.Request.Context(), req.AgentID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent resumed", "agentId": req.AgentID})
}

// Statistics returns this set's aggregated view of a mission.
func (s *Server) Statistics(c *gin.Context) {
	missionID := c.Param("missionId")
	if missionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missionId is required"})
		return
	}
	c.JSON(http.StatusOK, s.set.Statistics(missionID))
}
