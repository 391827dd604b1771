package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
	"github.com/fanhive/fanhive/internal/billing/jobs"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubApplier struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]error
	calls int
}

func (a *stubApplier) Apply(ctx context.Context, job billingdomain.SyncJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.seen = append(a.seen, job.EventID)
	if err, ok := a.fail[job.EventID]; ok {
		return err
	}
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	err = db.Exec(`CREATE TABLE webhook_event_receipts (
		id BIGINT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'received',
		error TEXT,
		payload TEXT,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP
	)`).Error
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func seedReceipt(t *testing.T, db *gorm.DB, id snowflake.ID, eventID string) {
	t.Helper()

	err := db.Exec(
		`INSERT INTO webhook_event_receipts (id, event_id, received_at) VALUES (?, ?, ?)`,
		id, eventID, time.Now().UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed receipt: %v", err)
	}
}

func receiptStatus(t *testing.T, db *gorm.DB, id snowflake.ID) string {
	t.Helper()

	var status string
	if err := db.Raw(`SELECT status FROM webhook_event_receipts WHERE id = ?`, id).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	return status
}

func TestQueueProcessesAndMarksReceipts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	applier := &stubApplier{fail: map[string]error{
		"evt_bad": errors.New("boom"),
	}}

	queue := jobs.NewQueue(db, zap.NewNop(), applier, 8)
	queue.Start()

	seedReceipt(t, db, 1, "evt_ok")
	seedReceipt(t, db, 2, "evt_bad")

	okJob := billingdomain.SyncJob{ReceiptID: 1, EventID: "evt_ok", EventType: "customer.subscription.created"}
	badJob := billingdomain.SyncJob{ReceiptID: 2, EventID: "evt_bad", EventType: "customer.subscription.created"}

	if err := queue.Dispatch(ctx, okJob); err != nil {
		t.Fatalf("dispatch ok: %v", err)
	}
	if err := queue.Dispatch(ctx, badJob); err != nil {
		t.Fatalf("dispatch bad: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := queue.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if applier.calls != 2 {
		t.Fatalf("expected 2 applied jobs, got %d", applier.calls)
	}
	if got := receiptStatus(t, db, 1); got != string(billingdomain.ReceiptStatusProcessed) {
		t.Fatalf("expected processed, got %s", got)
	}
	if got := receiptStatus(t, db, 2); got != string(billingdomain.ReceiptStatusFailed) {
		t.Fatalf("expected failed, got %s", got)
	}

	var errText string
	if err := db.Raw(`SELECT error FROM webhook_event_receipts WHERE id = 2`).Scan(&errText).Error; err != nil {
		t.Fatalf("read error: %v", err)
	}
	if errText != "boom" {
		t.Fatalf("expected recorded failure cause, got %q", errText)
	}
}

func TestQueueStopDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	applier := &stubApplier{}

	queue := jobs.NewQueue(db, zap.NewNop(), applier, 16)

	for i := 1; i <= 10; i++ {
		seedReceipt(t, db, snowflake.ID(i), fmt.Sprintf("evt_%d", i))
		job := billingdomain.SyncJob{ReceiptID: snowflake.ID(i), EventID: fmt.Sprintf("evt_%d", i)}
		if err := queue.Dispatch(ctx, job); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	// Start after the backlog is queued so Stop has work to drain.
	queue.Start()

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := queue.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if applier.calls != 10 {
		t.Fatalf("expected all 10 jobs applied, got %d", applier.calls)
	}
}

func TestQueueDispatchAfterStopReturnsError(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	applier := &stubApplier{}

	queue := jobs.NewQueue(db, zap.NewNop(), applier, 4)
	queue.Start()

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := queue.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	job := billingdomain.SyncJob{ReceiptID: snowflake.ID(1), EventID: "evt_late"}
	if err := queue.Dispatch(ctx, job); !errors.Is(err, jobs.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if applier.calls != 0 {
		t.Fatalf("expected no jobs applied, got %d", applier.calls)
	}

	// A second Stop is a no-op rather than a double close.
	if err := queue.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
