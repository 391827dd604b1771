// Package jobs hands webhook events from the ingestion endpoint to an
// asynchronous synchronization worker over a typed message boundary.
package jobs

import (
	"context"

	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
)

// Applier consumes one sync job. Implementations must tolerate redelivery.
type Applier interface {
	Apply(ctx context.Context, job billingdomain.SyncJob) error
}

// Dispatcher enqueues a sync job for eventual processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, job billingdomain.SyncJob) error
}
