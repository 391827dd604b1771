package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
	"github.com/fanhive/fanhive/internal/billing/jobs"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Verifier   *Verifier
	Dispatcher jobs.Dispatcher
	Clock      clock.Clock
}

// Service ingests provider webhook deliveries. It verifies the signature,
// records a receipt exactly once per event id, and hands the event to the
// sync queue without blocking on downstream processing.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	verifier   *Verifier
	dispatcher jobs.Dispatcher
	clock      clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.webhook"),
		genID:      p.GenID,
		verifier:   p.Verifier,
		dispatcher: p.Dispatcher,
		clock:      p.Clock,
	}
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Ingest processes one delivery. Duplicate deliveries of an already seen
// event id return IngestStatusAlreadyProcessed and perform no further work.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (billingdomain.IngestStatus, error) {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		metrics.ObserveWebhookEvent("", "invalid_signature")
		s.log.Warn("webhook signature rejected", zap.Error(err))
		return "", err
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		metrics.ObserveWebhookEvent("", "rejected")
		return "", billingdomain.ErrMissingEventID
	}
	eventID := strings.TrimSpace(envelope.ID)
	eventType := strings.TrimSpace(envelope.Type)
	if eventID == "" {
		metrics.ObserveWebhookEvent(eventType, "rejected")
		return "", billingdomain.ErrMissingEventID
	}

	log := s.log.With(
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
	)

	receiptID := s.genID.Generate()
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO webhook_event_receipts (id, event_id, event_type, status, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		receiptID,
		eventID,
		eventType,
		billingdomain.ReceiptStatusReceived,
		string(payload),
		s.clock.Now().UTC(),
	)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the insert race or genuine redelivery. Either way the
		// first receipt owns processing.
		metrics.ObserveWebhookEvent(eventType, "duplicate")
		log.Info("webhook event already processed", zap.String("result", "already_processed"))
		return billingdomain.IngestStatusAlreadyProcessed, nil
	}

	job := billingdomain.SyncJob{
		ReceiptID: receiptID,
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.Error("failed to enqueue sync job", zap.Error(err))
		return "", err
	}

	metrics.ObserveWebhookEvent(eventType, "accepted")
	log.Info("webhook event accepted", zap.String("result", "processed"))
	return billingdomain.IngestStatusProcessed, nil
}
