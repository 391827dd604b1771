package domain

import "errors"

var (
	ErrInvalidDelta             = errors.New("invalid_delta")
	ErrInvalidReason            = errors.New("invalid_reason")
	ErrUnknownEarnReason        = errors.New("unknown_earn_reason")
	ErrInsufficientPoints       = errors.New("points_insufficient")
	ErrInsufficientCirclePoints = errors.New("insufficient_circle_points")
	ErrRateLimited              = errors.New("rate_limited")
	ErrAlreadyAwardedToday      = errors.New("already_awarded_today")
)
