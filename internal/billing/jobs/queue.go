package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
	"github.com/fanhive/fanhive/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultQueueSize = 256

// ErrStopped is returned by Dispatch once Stop has closed the queue.
var ErrStopped = errors.New("billing jobs: queue stopped")

// Queue is an in-process dispatcher backed by a buffered channel and a
// single consumer goroutine. The HTTP response contract is identical to
// inline processing; only delivery latency differs.
type Queue struct {
	db   *gorm.DB
	log  *zap.Logger
	sink Applier

	jobs chan billingdomain.SyncJob
	wg   sync.WaitGroup

	// mu orders Dispatch sends against the close in Stop.
	mu     sync.RWMutex
	closed bool
}

func NewQueue(db *gorm.DB, log *zap.Logger, sink Applier, size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		db:   db,
		log:  log.Named("billing.jobs"),
		sink: sink,
		jobs: make(chan billingdomain.SyncJob, size),
	}
}

// Dispatch enqueues the job, blocking only while the buffer is full.
// After Stop it returns ErrStopped instead of sending on the closed
// channel.
func (q *Queue) Dispatch(ctx context.Context, job billingdomain.SyncJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrStopped
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for job := range q.jobs {
			q.process(job)
		}
	}()
}

// Stop closes the queue and drains remaining jobs. The write lock waits
// out any in-flight Dispatch before the channel closes.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) process(job billingdomain.SyncJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := q.log.With(
		zap.String("event_id", job.EventID),
		zap.String("event_type", job.EventType),
	)

	if err := q.sink.Apply(ctx, job); err != nil {
		log.Error("sync job failed", zap.Error(err))
		metrics.ObserveSyncJob("failed")
		q.markReceipt(ctx, job, billingdomain.ReceiptStatusFailed, err)
		return
	}

	metrics.ObserveSyncJob("processed")
	q.markReceipt(ctx, job, billingdomain.ReceiptStatusProcessed, nil)
}

func (q *Queue) markReceipt(ctx context.Context, job billingdomain.SyncJob, status billingdomain.ReceiptStatus, cause error) {
	var errText *string
	if cause != nil {
		msg := cause.Error()
		errText = &msg
	}
	err := q.db.WithContext(ctx).Exec(
		`UPDATE webhook_event_receipts
		 SET status = ?, error = ?, processed_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, errText, job.ReceiptID,
	).Error
	if err != nil {
		q.log.Error("failed to update receipt status",
			zap.String("event_id", job.EventID),
			zap.Error(err),
		)
	}
}
