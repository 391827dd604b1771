package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingjobs "github.com/fanhive/fanhive/internal/billing/jobs"
	billingsync "github.com/fanhive/fanhive/internal/billing/sync"
	"github.com/fanhive/fanhive/internal/billing/webhook"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	gachaservice "github.com/fanhive/fanhive/internal/gacha/service"
	"github.com/fanhive/fanhive/internal/observability"
	pointsdomain "github.com/fanhive/fanhive/internal/points/domain"
	pointsservice "github.com/fanhive/fanhive/internal/points/service"
	"github.com/fanhive/fanhive/internal/seed"
	"github.com/fanhive/fanhive/internal/server"
	subscriptionrepo "github.com/fanhive/fanhive/internal/subscription/repository"
	userrepo "github.com/fanhive/fanhive/internal/user/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_e2e"

type testEnv struct {
	db      *gorm.DB
	queue   *billingjobs.Queue
	points  pointsdomain.Service
	httpSrv *httptest.Server
	baseURL string
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:memdb_e2e_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	createSchema(t, db)
	if err := seed.EnsureDemoUsers(db); err != nil {
		t.Fatalf("seed demo users: %v", err)
	}

	node, err := snowflake.NewNode(30)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	log := zap.NewNop()
	clk := clock.NewSystemClock()

	rewardsCfg := config.DefaultRewardsConfig()
	rewardsCfg.PlanPrices = map[string]string{"price_plus_monthly": "plus"}
	holder := config.NewStaticRewardsConfigHolder(rewardsCfg)

	userRepo := userrepo.Provide()
	subRepo := subscriptionrepo.Provide()

	pointsSvc := pointsservice.NewService(pointsservice.Params{
		DB: db, Log: log, GenID: node, Rewards: holder, Clock: clk,
	})
	gachaSvc := gachaservice.NewService(gachaservice.Params{
		DB: db, Log: log, GenID: node, Points: pointsSvc, Rewards: holder, Clock: clk,
	})

	syncSvc := billingsync.NewService(billingsync.Params{
		DB: db, Log: log, GenID: node, SubRepo: subRepo, UserRepo: userRepo,
		Rewards: holder, Clock: clk,
	})
	queue := billingjobs.NewQueue(db, log, syncSvc, 32)
	queue.Start()

	webhookSvc := webhook.NewService(webhook.Params{
		DB: db, Log: log, GenID: node,
		Verifier:   webhook.NewVerifier(webhookSecret, webhook.PolicyEnforce, clk, log),
		Dispatcher: queue,
		Clock:      clk,
	})

	engine := server.NewEngine(observability.Config{
		ServiceName: "fanhive",
		Environment: "test",
		LogLevel:    "error",
	})
	server.NewServer(server.ServerParams{
		Gin:        engine,
		Cfg:        config.Config{Environment: "test"},
		DB:         db,
		GenID:      node,
		Clock:      clk,
		WebhookSvc: webhookSvc,
		PointsSvc:  pointsSvc,
		GachaSvc:   gachaSvc,
		UserRepo:   userRepo,
		SubRepo:    subRepo,
		Rewards:    holder,
	})

	httpSrv := httptest.NewServer(engine)
	env := &testEnv{db: db, queue: queue, points: pointsSvc, httpSrv: httpSrv, baseURL: httpSrv.URL}
	t.Cleanup(func() {
		httpSrv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Stop(ctx)
	})
	return env
}

func createSchema(t *testing.T, db *gorm.DB) {
	t.Helper()

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
		`CREATE TABLE webhook_event_receipts (
			id BIGINT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'received',
			error TEXT,
			payload TEXT,
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX ux_webhook_event_receipts_event_id ON webhook_event_receipts(event_id)`,
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
		`CREATE TABLE points_transactions (
			id BIGINT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id BIGINT,
			circle_id BIGINT,
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL,
			request_id TEXT,
			idempotency_key TEXT,
			ref_type TEXT,
			ref_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_points_transactions_scope_idem
			ON points_transactions(scope, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE points_balances (
			scope TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE gacha_logs (
			id BIGINT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			circle_id BIGINT,
			pool_code TEXT NOT NULL,
			cost BIGINT NOT NULL,
			item_type TEXT NOT NULL,
			item_key TEXT NOT NULL,
			rarity TEXT NOT NULL,
			is_new BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE user_unlocks (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			item_type TEXT NOT NULL,
			item_key TEXT NOT NULL,
			rarity TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_user_unlocks_item ON user_unlocks(user_id, item_type, item_key)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
}

func signPayload(payload []byte) string {
	ts := time.Now().Unix()
	signed := fmt.Sprintf("%d.%s", ts, string(payload))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, env *testEnv, payload string) map[string]any {
	t.Helper()

	body := []byte(payload)
	req, err := http.NewRequest(http.MethodPost, env.baseURL+"/billing/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signPayload(body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d", resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	return decoded
}

func waitForReceipt(t *testing.T, env *testEnv, eventID string) string {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var status string
		err := env.db.Raw(
			`SELECT status FROM webhook_event_receipts WHERE event_id = ?`, eventID,
		).Scan(&status).Error
		if err != nil {
			t.Fatalf("read receipt: %v", err)
		}
		if status != "" && status != "received" {
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("receipt %s never left received state", eventID)
	return ""
}

func getJSON(t *testing.T, env *testEnv, path, userID string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, env.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp.StatusCode, decoded
}

func postJSON(t *testing.T, env *testEnv, path, userID, body string) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(http.MethodPost, env.baseURL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp.StatusCode, decoded
}

func TestE2E_HealthCheck(t *testing.T) {
	env := startEnv(t)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_BillingLifecycle(t *testing.T) {
	env := startEnv(t)

	// Checkout links the provider customer to the demo user.
	postWebhook(t, env, `{
		"id": "evt_checkout",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "customer": "cus_demo", "client_reference_id": "1"}}
	}`)
	if status := waitForReceipt(t, env, "evt_checkout"); status != "processed" {
		t.Fatalf("expected processed checkout receipt, got %s", status)
	}

	// The subscription event now resolves through the linked customer.
	postWebhook(t, env, `{
		"id": "evt_sub_created",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_demo",
			"customer": "cus_demo",
			"status": "active",
			"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
		}}
	}`)
	if status := waitForReceipt(t, env, "evt_sub_created"); status != "processed" {
		t.Fatalf("expected processed subscription receipt, got %s", status)
	}

	code, me := getJSON(t, env, "/me", "1")
	if code != http.StatusOK {
		t.Fatalf("expected 200 from /me, got %d", code)
	}
	if me["effectivePlan"] != "plus" {
		t.Fatalf("expected effective plan plus, got %v", me["effectivePlan"])
	}

	// A duplicate delivery is acknowledged without reprocessing.
	ack := postWebhook(t, env, `{
		"id": "evt_sub_created",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_demo",
			"customer": "cus_demo",
			"status": "active",
			"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
		}}
	}`)
	if ack["status"] != "already_processed" {
		t.Fatalf("expected already_processed ack, got %v", ack["status"])
	}

	// Cancellation drops the effective plan back to free.
	postWebhook(t, env, `{
		"id": "evt_sub_deleted",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_demo", "customer": "cus_demo", "status": "canceled"}}
	}`)
	if status := waitForReceipt(t, env, "evt_sub_deleted"); status != "processed" {
		t.Fatalf("expected processed deletion receipt, got %s", status)
	}

	code, me = getJSON(t, env, "/me", "1")
	if code != http.StatusOK {
		t.Fatalf("expected 200 from /me, got %d", code)
	}
	if me["effectivePlan"] != "free" {
		t.Fatalf("expected effective plan free after cancel, got %v", me["effectivePlan"])
	}
}

func TestE2E_EarnAndDraw(t *testing.T) {
	env := startEnv(t)

	// The demo user earns the daily reward once.
	code, earn := postJSON(t, env, "/me/points/earn", "1", `{"reason":"daily_visit"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200 from earn, got %d: %v", code, earn)
	}
	if earn["balance"] != float64(10) {
		t.Fatalf("expected balance 10, got %v", earn["balance"])
	}

	code, _ = postJSON(t, env, "/me/points/earn", "1", `{"reason":"daily_visit"}`)
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for repeated daily earn, got %d", code)
	}

	// Not enough points yet for a draw.
	code, draw := postJSON(t, env, "/me/gacha/pull", "1", "")
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for underfunded draw, got %d: %v", code, draw)
	}

	// Top up through the ledger, then draw.
	if _, err := env.points.Add(context.Background(), pointsdomain.AddRequest{
		Scope:       pointsdomain.PersonalScope(snowflake.ID(1)),
		ActorUserID: snowflake.ID(1),
		Delta:       90,
		Reason:      "event_bonus",
	}); err != nil {
		t.Fatalf("top up points: %v", err)
	}

	code, draw = postJSON(t, env, "/me/gacha/pull", "1", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200 from draw, got %d: %v", code, draw)
	}
	if draw["cost"] != float64(100) || draw["balance"] != float64(0) {
		t.Fatalf("unexpected draw result: %v", draw)
	}
	prize, ok := draw["prize"].(map[string]any)
	if !ok || prize["isNew"] != true {
		t.Fatalf("expected new prize, got %v", draw["prize"])
	}

	code, points := getJSON(t, env, "/me/points", "1")
	if code != http.StatusOK {
		t.Fatalf("expected 200 from points, got %d", code)
	}
	if points["balance"] != float64(0) {
		t.Fatalf("expected balance 0, got %v", points["balance"])
	}
	items, ok := points["items"].([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("expected 3 ledger entries, got %v", points["items"])
	}
}
