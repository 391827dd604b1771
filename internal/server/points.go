package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	pointsdomain "github.com/fanhive/fanhive/internal/points/domain"
	"github.com/fanhive/fanhive/pkg/db/pagination"
)

type pointsItem struct {
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	RequestID *string   `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type pointsResponse struct {
	Balance  int64                `json:"balance"`
	Items    []pointsItem         `json:"items"`
	PageInfo *pagination.PageInfo `json:"pageInfo"`
}

// HandleMyPoints returns the personal balance and paginated history,
// newest first.
func (s *Server) HandleMyPoints(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	scope := pointsdomain.PersonalScope(userID)
	balance, err := s.pointsSvc.BalanceOf(c.Request.Context(), scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows, pageInfo, err := s.pointsSvc.History(c.Request.Context(), scope, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]pointsItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, pointsItem{
			Delta:     row.Delta,
			Reason:    row.Reason,
			RequestID: row.RequestID,
			CreatedAt: row.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, pointsResponse{
		Balance:  balance,
		Items:    items,
		PageInfo: pageInfo,
	})
}

type earnRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// HandleEarnPoints grants the configured reward for a user action. Quota
// failures carry the current balance in the error details.
func (s *Server) HandleEarnPoints(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req earnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.pointsSvc.Earn(c.Request.Context(), userID, strings.TrimSpace(req.Reason))
	if err != nil {
		if errors.Is(err, pointsdomain.ErrRateLimited) || errors.Is(err, pointsdomain.ErrAlreadyAwardedToday) {
			balance, balErr := s.pointsSvc.BalanceOf(c.Request.Context(), pointsdomain.PersonalScope(userID))
			if balErr == nil {
				err = WithDetails(err, map[string]any{"balance": balance})
			}
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"earned":  result.Earned,
		"delta":   result.Delta,
		"balance": result.Balance,
	})
}

// HandleCirclePoints returns the circle's shared balance and history.
func (s *Server) HandleCirclePoints(c *gin.Context) {
	circleID, err := snowflake.ParseString(strings.TrimSpace(c.Param("circle_id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	scope := pointsdomain.CircleScope(circleID)
	balance, err := s.pointsSvc.BalanceOf(c.Request.Context(), scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows, pageInfo, err := s.pointsSvc.History(c.Request.Context(), scope, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]pointsItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, pointsItem{
			Delta:     row.Delta,
			Reason:    row.Reason,
			RequestID: row.RequestID,
			CreatedAt: row.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, pointsResponse{
		Balance:  balance,
		Items:    items,
		PageInfo: pageInfo,
	})
}
