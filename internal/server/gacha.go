package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	pointsdomain "github.com/fanhive/fanhive/internal/points/domain"
)

type drawRequest struct {
	Pool string `json:"pool"`
}

// HandleGachaPull runs a personal-scope reward draw.
func (s *Server) HandleGachaPull(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	poolCode := s.bindPool(c, "standard")
	if poolCode == "" {
		return
	}

	result, err := s.gachaSvc.Draw(c.Request.Context(), userID, nil, poolCode)
	if err != nil {
		s.abortDrawError(c, err, pointsdomain.PersonalScope(userID), poolCode)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleCircleGachaDraw runs a draw debiting the circle's shared pool.
func (s *Server) HandleCircleGachaDraw(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	circleID, err := snowflake.ParseString(strings.TrimSpace(c.Param("circle_id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	poolCode := s.bindPool(c, "circle")
	if poolCode == "" {
		return
	}

	result, err := s.gachaSvc.Draw(c.Request.Context(), userID, &circleID, poolCode)
	if err != nil {
		s.abortDrawError(c, err, pointsdomain.CircleScope(circleID), poolCode)
		return
	}

	c.JSON(http.StatusOK, result)
}

// bindPool reads the optional pool code from the body. An empty return
// means the request was already aborted.
func (s *Server) bindPool(c *gin.Context, fallback string) string {
	var req drawRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return ""
		}
	}
	pool := strings.TrimSpace(req.Pool)
	if pool == "" {
		pool = fallback
	}
	return pool
}

// abortDrawError enriches insufficiency errors with the balance and the
// required cost before aborting.
func (s *Server) abortDrawError(c *gin.Context, err error, scope pointsdomain.Scope, poolCode string) {
	if errors.Is(err, pointsdomain.ErrInsufficientPoints) || errors.Is(err, pointsdomain.ErrInsufficientCirclePoints) {
		details := map[string]any{}
		if balance, balErr := s.pointsSvc.BalanceOf(c.Request.Context(), scope); balErr == nil {
			details["balance"] = balance
		}
		if pool, ok := s.rewards.Get().Pools[poolCode]; ok {
			details["required"] = pool.Cost
		}
		err = WithDetails(err, details)
	}
	AbortWithError(c, err)
}
