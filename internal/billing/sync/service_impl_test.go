package sync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
	"github.com/fanhive/fanhive/internal/billing/sync"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	subscriptiondomain "github.com/fanhive/fanhive/internal/subscription/domain"
	subscriptionrepo "github.com/fanhive/fanhive/internal/subscription/repository"
	userrepo "github.com/fanhive/fanhive/internal/user/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE users (
			id BIGINT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			trial_ends_at TIMESTAMP,
			provider_customer_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_users_provider_customer
			ON users(provider_customer_id)
			WHERE provider_customer_id IS NOT NULL`,
		`CREATE TABLE subscriptions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			provider_subscription_id TEXT NOT NULL,
			provider_customer_id TEXT,
			plan_code TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_end TIMESTAMP,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_subscriptions_provider_subscription
			ON subscriptions(provider_subscription_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *sync.Service {
	t.Helper()

	node, err := snowflake.NewNode(23)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	cfg := config.DefaultRewardsConfig()
	cfg.PlanPrices = map[string]string{"price_plus_monthly": "plus"}

	return sync.NewService(sync.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		SubRepo:  subscriptionrepo.Provide(),
		UserRepo: userrepo.Provide(),
		Rewards:  config.NewStaticRewardsConfigHolder(cfg),
		Clock:    clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
}

func seedUser(t *testing.T, db *gorm.DB, id snowflake.ID, customerID string) {
	t.Helper()

	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	var customer *string
	if customerID != "" {
		customer = &customerID
	}
	err := db.Exec(
		`INSERT INTO users (id, display_name, plan, provider_customer_id, created_at, updated_at)
		 VALUES (?, ?, 'free', ?, ?, ?)`,
		id, fmt.Sprintf("user-%d", id), customer, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func subscriptionJob(eventID, eventType string, payload string) billingdomain.SyncJob {
	return billingdomain.SyncJob{
		ReceiptID: snowflake.ID(1),
		EventID:   eventID,
		EventType: eventType,
		Payload:   []byte(payload),
	}
}

func findSubscription(t *testing.T, db *gorm.DB, providerSubID string) *subscriptiondomain.Subscription {
	t.Helper()

	var sub subscriptiondomain.Subscription
	err := db.Raw(`SELECT * FROM subscriptions WHERE provider_subscription_id = ?`, providerSubID).Scan(&sub).Error
	if err != nil {
		t.Fatalf("find subscription: %v", err)
	}
	return &sub
}

func TestApplySubscriptionCreated(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedUser(t, db, 101, "cus_101")

	job := subscriptionJob("evt_1", "customer.subscription.created", `{
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_101",
			"status": "active",
			"current_period_end": 1751328000,
			"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
		}}
	}`)

	if err := svc.Apply(ctx, job); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sub := findSubscription(t, db, "sub_1")
	if sub.UserID != 101 {
		t.Fatalf("expected user 101, got %d", sub.UserID)
	}
	if sub.PlanCode != "plus" {
		t.Fatalf("expected plan plus, got %s", sub.PlanCode)
	}
	if sub.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected active, got %s", sub.Status)
	}
}

func TestApplySubscriptionUpdatedConverges(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedUser(t, db, 102, "cus_102")

	created := subscriptionJob("evt_2", "customer.subscription.created", `{
		"data": {"object": {
			"id": "sub_2",
			"customer": "cus_102",
			"status": "trialing",
			"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
		}}
	}`)
	updated := subscriptionJob("evt_3", "customer.subscription.updated", `{
		"data": {"object": {
			"id": "sub_2",
			"customer": "cus_102",
			"status": "past_due",
			"cancel_at_period_end": true,
			"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
		}}
	}`)

	for _, job := range []billingdomain.SyncJob{created, updated, updated} {
		if err := svc.Apply(ctx, job); err != nil {
			t.Fatalf("apply %s: %v", job.EventID, err)
		}
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM subscriptions`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single subscription row, got %d", count)
	}

	sub := findSubscription(t, db, "sub_2")
	if sub.Status != subscriptiondomain.StatusPastDue {
		t.Fatalf("expected past_due, got %s", sub.Status)
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatalf("expected cancel_at_period_end true")
	}
}

func TestApplySubscriptionDeletedRetainsRow(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedUser(t, db, 103, "cus_103")

	created := subscriptionJob("evt_4", "customer.subscription.created", `{
		"data": {"object": {
			"id": "sub_3",
			"customer": "cus_103",
			"status": "active",
			"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
		}}
	}`)
	deleted := subscriptionJob("evt_5", "customer.subscription.deleted", `{
		"data": {"object": {"id": "sub_3", "customer": "cus_103", "status": "canceled"}}
	}`)

	if err := svc.Apply(ctx, created); err != nil {
		t.Fatalf("apply created: %v", err)
	}
	if err := svc.Apply(ctx, deleted); err != nil {
		t.Fatalf("apply deleted: %v", err)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM subscriptions`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected retained row, got %d", count)
	}
	sub := findSubscription(t, db, "sub_3")
	if sub.Status != subscriptiondomain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", sub.Status)
	}
}

func TestApplyUnknownCustomerFails(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(t, db)

	job := subscriptionJob("evt_6", "customer.subscription.created", `{
		"data": {"object": {"id": "sub_4", "customer": "cus_missing", "status": "active"}}
	}`)

	if err := svc.Apply(ctx, job); !errors.Is(err, billingdomain.ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
}

func TestApplyCheckoutCompletedLinksCustomer(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedUser(t, db, 104, "")

	job := subscriptionJob("evt_7", "checkout.session.completed", `{
		"data": {"object": {
			"id": "cs_1",
			"customer": "cus_104",
			"client_reference_id": "104"
		}}
	}`)

	if err := svc.Apply(ctx, job); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var customer string
	if err := db.Raw(`SELECT provider_customer_id FROM users WHERE id = 104`).Scan(&customer).Error; err != nil {
		t.Fatalf("read customer: %v", err)
	}
	if customer != "cus_104" {
		t.Fatalf("expected cus_104, got %q", customer)
	}

	// Later subscription events for the linked customer now resolve.
	created := subscriptionJob("evt_8", "customer.subscription.created", `{
		"data": {"object": {
			"id": "sub_5",
			"customer": "cus_104",
			"status": "active",
			"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
		}}
	}`)
	if err := svc.Apply(ctx, created); err != nil {
		t.Fatalf("apply created: %v", err)
	}
}

func TestApplyUnknownEventTypeIsNoOp(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(t, db)

	job := subscriptionJob("evt_9", "invoice.payment_succeeded", `{"data": {"object": {}}}`)
	if err := svc.Apply(ctx, job); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM subscriptions`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no rows, got %d", count)
	}
}

func TestUnmappedPriceDefaultsToPlus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(t, db)
	seedUser(t, db, 105, "cus_105")

	job := subscriptionJob("evt_10", "customer.subscription.created", `{
		"data": {"object": {
			"id": "sub_6",
			"customer": "cus_105",
			"status": "active",
			"items": {"data": [{"price": {"id": "price_new_tier"}}]}
		}}
	}`)
	if err := svc.Apply(ctx, job); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sub := findSubscription(t, db, "sub_6")
	if sub.PlanCode != "plus" {
		t.Fatalf("expected default plan plus, got %s", sub.PlanCode)
	}
}
