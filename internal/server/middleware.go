package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/fanhive/fanhive/internal/observability/context"
)

const contextKeyUserID = "user_id"

// UserRequired resolves the authenticated user from the identity header
// set by the upstream auth layer. Requests without a valid id are
// rejected before any handler runs.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextKeyUserID, userID)
		ctx := obscontext.WithUserID(c.Request.Context(), raw)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func currentUserID(c *gin.Context) (snowflake.ID, bool) {
	value, ok := c.Get(contextKeyUserID)
	if !ok {
		return 0, false
	}
	userID, ok := value.(snowflake.ID)
	return userID, ok
}
