// Package plan derives a user's effective entitlement tier from the raw
// plan flag, the trial window, and the provider-synced subscription record.
package plan

import (
	"strings"
	"time"

	subscriptiondomain "github.com/fanhive/fanhive/internal/subscription/domain"
	userdomain "github.com/fanhive/fanhive/internal/user/domain"
)

// Plan is an effective entitlement tier.
type Plan string

const (
	Free  Plan = "free"
	Trial Plan = "trial"
	Plus  Plan = "plus"
)

// Resolve computes the effective plan. Precedence: an active or trialing
// subscription wins; otherwise a raw free plan inside the trial window
// resolves to the trial tier; otherwise the raw flag. A canceled
// subscription never elevates entitlement.
//
// Resolve is total and side effect free so callers can evaluate it on
// every request.
func Resolve(user *userdomain.User, subscription *subscriptiondomain.Subscription, now time.Time) Plan {
	if user == nil {
		return Free
	}

	if subscription != nil && subscription.Status.Active() {
		if resolved := normalize(subscription.PlanCode); resolved != Free {
			return resolved
		}
	}

	raw := normalize(user.Plan)
	if raw == Free && user.TrialEndsAt != nil && user.TrialEndsAt.After(now) {
		return Trial
	}
	return raw
}

func normalize(value string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(value))) {
	case Plus:
		return Plus
	case Trial:
		return Trial
	default:
		return Free
	}
}
