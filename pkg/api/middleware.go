package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireToken enforces bearer-token auth via the SecurityManager verifier.
// A nil verifier disables the check.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		valid, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			s.log.Error("Token verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token verification unavailable"})
			return
		}
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
