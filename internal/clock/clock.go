package clock

import "time"

// Clock abstracts wall time so replay windows, trial windows and daily
// quotas are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }
