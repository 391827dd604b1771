// Package domain contains models and contracts for billing webhook ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ReceiptStatus tracks the processing state of an ingested event.
type ReceiptStatus string

const (
	ReceiptStatusReceived  ReceiptStatus = "received"
	ReceiptStatusProcessed ReceiptStatus = "processed"
	ReceiptStatusFailed    ReceiptStatus = "failed"
)

// EventReceipt marks that an external event id has been observed.
// Rows are written once per distinct event id and never deleted.
type EventReceipt struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex"`
	EventType   string         `gorm:"type:text;not null"`
	Status      ReceiptStatus  `gorm:"type:text;not null"`
	Error       *string        `gorm:"type:text"`
	Payload     datatypes.JSON `gorm:""`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time     `gorm:""`
}

func (EventReceipt) TableName() string {
	return "webhook_event_receipts"
}

// EventKind is the closed set of event shapes the synchronizer recognizes.
// Unrecognized provider event types map to KindUnknown and are accepted
// as no-ops.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindCheckoutCompleted
)

// KindOf maps a provider event type string to its recognized kind.
func KindOf(eventType string) EventKind {
	switch eventType {
	case "customer.subscription.created", "subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated", "subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted", "subscription.deleted":
		return KindSubscriptionDeleted
	case "checkout.session.completed":
		return KindCheckoutCompleted
	default:
		return KindUnknown
	}
}

// SyncJob is the message handed from the ingestion endpoint to the
// synchronization worker. The job boundary carries no shared state
// beyond this schema.
type SyncJob struct {
	ReceiptID snowflake.ID
	EventID   string
	EventType string
	Payload   []byte
}

// IngestStatus is the externally visible outcome of one delivery.
type IngestStatus string

const (
	IngestStatusProcessed        IngestStatus = "processed"
	IngestStatusAlreadyProcessed IngestStatus = "already_processed"
)
