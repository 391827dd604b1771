package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/fanhive/fanhive/internal/plan"
)

// HandleMe returns the caller's identity with the resolved entitlement
// tier alongside the raw plan flag.
func (s *Server) HandleMe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	user, err := s.userRepo.FindByID(ctx, s.db, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, err := s.subRepo.FindLatestByUserID(ctx, s.db, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	effective := plan.Resolve(user, subscription, s.clock.Now())

	c.JSON(http.StatusOK, gin.H{
		"id":            user.ID.String(),
		"displayName":   user.DisplayName,
		"plan":          user.Plan,
		"effectivePlan": string(effective),
	})
}
