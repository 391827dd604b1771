package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/fanhive/fanhive/internal/billing/domain"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	subscriptiondomain "github.com/fanhive/fanhive/internal/subscription/domain"
	userdomain "github.com/fanhive/fanhive/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	SubRepo  subscriptiondomain.Repository
	UserRepo userdomain.Repository
	Rewards  *config.RewardsConfigHolder
	Clock    clock.Clock
}

// Service maps webhook event payloads to subscription state transitions.
// Upserts overwrite fields idempotently so duplicate and out-of-order
// deliveries converge.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	subRepo  subscriptiondomain.Repository
	userRepo userdomain.Repository
	rewards  *config.RewardsConfigHolder
	clock    clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("billing.sync"),
		genID:    p.GenID,
		subRepo:  p.SubRepo,
		userRepo: p.UserRepo,
		rewards:  p.Rewards,
		clock:    p.Clock,
	}
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Plan struct {
		ID string `json:"id"`
	} `json:"plan"`
}

type checkoutSessionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	ClientReferenceID string `json:"client_reference_id"`
}

type eventPayload struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Apply dispatches one sync job by recognized event kind. Unrecognized
// kinds are accepted without any state change.
func (s *Service) Apply(ctx context.Context, job billingdomain.SyncJob) error {
	switch billingdomain.KindOf(job.EventType) {
	case billingdomain.KindSubscriptionCreated, billingdomain.KindSubscriptionUpdated:
		return s.applySubscriptionUpsert(ctx, job)
	case billingdomain.KindSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, job)
	case billingdomain.KindCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, job)
	case billingdomain.KindUnknown:
		s.log.Debug("ignoring unrecognized event type",
			zap.String("event_id", job.EventID),
			zap.String("event_type", job.EventType),
		)
		return nil
	default:
		return nil
	}
}

func (s *Service) applySubscriptionUpsert(ctx context.Context, job billingdomain.SyncJob) error {
	object, err := decodeObject[subscriptionObject](job.Payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.ID) == "" {
		return fmt.Errorf("event %s: subscription object missing id", job.EventID)
	}

	user, err := s.userRepo.FindByProviderCustomerID(ctx, s.db, object.Customer)
	if err != nil {
		if err == userdomain.ErrUserNotFound {
			s.log.Warn("subscription event for unlinked customer",
				zap.String("event_id", job.EventID),
				zap.String("provider_customer_id", object.Customer),
			)
			return billingdomain.ErrUnknownCustomer
		}
		return err
	}

	now := s.clock.Now().UTC()
	subscription := &subscriptiondomain.Subscription{
		ID:                     s.genID.Generate(),
		UserID:                 user.ID,
		ProviderSubscriptionID: object.ID,
		ProviderCustomerID:     optionalString(object.Customer),
		PlanCode:               s.planForPrice(object),
		Status:                 subscriptiondomain.Status(strings.TrimSpace(object.Status)),
		CurrentPeriodEnd:       optionalUnixTime(object.CurrentPeriodEnd),
		CancelAtPeriodEnd:      object.CancelAtPeriodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.subRepo.Upsert(ctx, s.db, subscription); err != nil {
		return err
	}

	s.log.Info("subscription synchronized",
		zap.String("event_id", job.EventID),
		zap.String("provider_subscription_id", object.ID),
		zap.String("plan_code", subscription.PlanCode),
		zap.String("status", string(subscription.Status)),
	)
	return nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, job billingdomain.SyncJob) error {
	object, err := decodeObject[subscriptionObject](job.Payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.ID) == "" {
		return fmt.Errorf("event %s: subscription object missing id", job.EventID)
	}

	if err := s.subRepo.MarkCanceled(ctx, s.db, object.ID); err != nil {
		return err
	}
	s.log.Info("subscription canceled",
		zap.String("event_id", job.EventID),
		zap.String("provider_subscription_id", object.ID),
	)
	return nil
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, job billingdomain.SyncJob) error {
	object, err := decodeObject[checkoutSessionObject](job.Payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.Customer) == "" || strings.TrimSpace(object.ClientReferenceID) == "" {
		s.log.Debug("checkout session without customer mapping",
			zap.String("event_id", job.EventID),
		)
		return nil
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(object.ClientReferenceID))
	if err != nil {
		return fmt.Errorf("event %s: invalid client reference id: %w", job.EventID, err)
	}

	if err := s.userRepo.LinkProviderCustomer(ctx, s.db, userID, object.Customer); err != nil {
		return err
	}
	s.log.Info("provider customer linked",
		zap.String("event_id", job.EventID),
		zap.Int64("user_id", int64(userID)),
	)
	return nil
}

// planForPrice maps the provider price id to an internal plan code.
// Unmapped prices default to plus so a paid subscription is never
// downgraded by a stale mapping table.
func (s *Service) planForPrice(object *subscriptionObject) string {
	priceID := ""
	if len(object.Items.Data) > 0 {
		priceID = strings.TrimSpace(object.Items.Data[0].Price.ID)
	}
	if priceID == "" {
		priceID = strings.TrimSpace(object.Plan.ID)
	}
	if priceID == "" {
		return "plus"
	}

	if plan, ok := s.rewards.Get().PlanPrices[priceID]; ok {
		return plan
	}
	return "plus"
}

func decodeObject[T any](payload []byte) (*T, error) {
	var envelope eventPayload
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	var object T
	if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
		return nil, fmt.Errorf("decode event object: %w", err)
	}
	return &object, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func optionalUnixTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
