package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
	gachadomain "github.com/fanhive/fanhive/internal/gacha/domain"
	pointsdomain "github.com/fanhive/fanhive/internal/points/domain"
	userdomain "github.com/fanhive/fanhive/internal/user/domain"
	"gorm.io/gorm"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type detailedError struct {
	err     error
	details map[string]any
}

func (e *detailedError) Error() string {
	return e.err.Error()
}

func (e *detailedError) Unwrap() error {
	return e.err
}

// WithDetails attaches machine-readable details to a domain error so the
// response envelope can carry them.
func WithDetails(err error, details map[string]any) error {
	if err == nil {
		return nil
	}
	return &detailedError{err: err, details: details}
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, payload)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorResponse) {
	status, code, message := classify(err)
	payload := errorResponse{Code: code, Message: message}

	var detailed *detailedError
	if errors.As(err, &detailed) {
		payload.Details = detailed.details
	}
	return status, payload
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, billingdomain.ErrMissingEventID):
		return http.StatusBadRequest, "MISSING_EVENT_ID", "event id is required"
	case errors.Is(err, billingdomain.ErrInvalidSignature):
		return http.StatusBadRequest, "INVALID_SIGNATURE", "webhook signature verification failed"
	case errors.Is(err, billingdomain.ErrSecretMissing):
		return http.StatusInternalServerError, "WEBHOOK_SECRET_MISSING", "webhook secret is not configured"
	case errors.Is(err, pointsdomain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "earn quota exceeded for this window"
	case errors.Is(err, pointsdomain.ErrAlreadyAwardedToday):
		return http.StatusTooManyRequests, "ALREADY_AWARDED_TODAY", "reward already granted today"
	case errors.Is(err, pointsdomain.ErrInsufficientPoints):
		return http.StatusConflict, "POINTS_INSUFFICIENT", "points balance is insufficient"
	case errors.Is(err, pointsdomain.ErrInsufficientCirclePoints):
		return http.StatusConflict, "INSUFFICIENT_CIRCLE_POINTS", "circle points balance is insufficient"
	case errors.Is(err, pointsdomain.ErrUnknownEarnReason):
		return http.StatusBadRequest, "UNKNOWN_EARN_REASON", "earn reason is not configured"
	case errors.Is(err, gachadomain.ErrUnknownPool),
		errors.Is(err, gachadomain.ErrEmptyPool):
		return http.StatusNotFound, "UNKNOWN_POOL", "reward pool is not configured"
	case errors.Is(err, userdomain.ErrUserNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, "NOT_FOUND", "not found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST", "invalid request"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func classifyErrorForLog(err error) (string, string) {
	status, code, _ := classify(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server_error", code
	case status >= http.StatusBadRequest:
		return "client_error", code
	default:
		return "", code
	}
}
