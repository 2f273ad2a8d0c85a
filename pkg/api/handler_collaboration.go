package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/agentset/pkg/agent"
	"github.com/stagecraft/agentset/pkg/delegation"
	"github.com/stagecraft/agentset/pkg/models"
)

type delegateTaskRequest struct {
	DelegatorID string             `json:"delegatorId" binding:"required"`
	RecipientID string             `json:"recipientId" binding:"required"`
	Request     delegation.Request `json:"request"`
}

// DelegateTask runs the delegation handshake, for local callers and for
// requests forwarded from peer sets.
func (s *Server) DelegateTask(c *gin.Context) {
	var req delegateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.set.Delegations().DelegateTask(c.Request.Context(), req.DelegatorID, req.RecipientID, req.Request)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type conflictVoteRequest struct {
	ConflictID  string `json:"conflictId" binding:"required"`
	AgentID     string `json:"agentId" binding:"required"`
	Vote        any    `json:"vote" binding:"required"`
	Explanation string `json:"explanation"`
}

// ConflictVote records a participant's vote on an open conflict.
func (s *Server) ConflictVote(c *gin.Context) {
	var req conflictVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conflict, err := s.set.Conflicts().SubmitVote(c.Request.Context(), req.ConflictID, req.AgentID, req.Vote, req.Explanation)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

type resolveConflictRequest struct {
	ConflictID string `json:"conflictId" binding:"required"`
}

// ResolveConflict forces resolution of a conflict with its strategy.
func (s *Server) ResolveConflict(c *gin.Context) {
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conflict, err := s.set.Conflicts().ResolveConflict(c.Request.Context(), req.ConflictID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

// CollaborationMessage routes a collaboration message to its recipient.
func (s *Server) CollaborationMessage(c *gin.Context) {
	var msg models.CollaborationMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.set.Route(c.Request.Context(), msg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "delivered"})
}

type migrateAgentRequest struct {
	AgentID  string         `json:"agentId" binding:"required"`
	Snapshot agent.Snapshot `json:"snapshot" binding:"required"`
}

// MigrateAgent adopts an agent checkpointed on a peer set.
func (s *Server) MigrateAgent(c *gin.Context) {
	var req migrateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := s.set.AdoptAgent(c.Request.Context(), req.Snapshot)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent adopted", "agentId": a.ID})
}
