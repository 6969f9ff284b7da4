package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AgentServiceSubject is the token subject given to agents themselves.
// Agents may talk to the bus and their own stream, but they may not
// manage peers, change secrets, or drive workflows.
const AgentServiceSubject = "agent-service"

// actorHeader carries the authenticated subject, injected by the
// upstream auth proxy. JWT validation itself is out of scope here.
const actorHeader = "X-Actor-Sub"

func actorSubject(c *gin.Context) string {
	if sub := c.GetHeader(actorHeader); sub != "" {
		return sub
	}
	return "operator"
}

// requireHumanActor rejects agent-service tokens with 403.
func requireHumanActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorSubject(c) == AgentServiceSubject {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "agents may not perform this operation",
			})
			return
		}
		c.Next()
	}
}
