package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LocationStore persists location history.
type LocationStore interface {
	SaveLocation(ctx context.Context, sample LocationSample) error
	// LatestLocation returns ErrNotFound when the user has no samples.
	LatestLocation(ctx context.Context, userID UserID) (LocationSample, error)
}

// AlertStore holds contacts, alerts and the notification log.
type AlertStore interface {
	// EmergencyContacts returns the owner's contacts ordered by priority ascending.
	EmergencyContacts(ctx context.Context, owner UserID) ([]EmergencyContact, error)
	CreateAlert(ctx context.Context, userID UserID, point GeoPoint, message string) (SOSAlert, error)
	GetAlert(ctx context.Context, alertID uuid.UUID) (SOSAlert, error)
	// SetAlertStatus moves an active alert to a terminal status. It returns
	// ErrAlreadyResolved when the alert is no longer active.
	SetAlertStatus(ctx context.Context, alertID uuid.UUID, status AlertStatus, at time.Time) (SOSAlert, error)
	RecordNotification(ctx context.Context, record NotificationRecord) error
	Notifications(ctx context.Context, alertID uuid.UUID) ([]NotificationRecord, error)
	PushSubscriptions(ctx context.Context, userID UserID) ([]PushSubscription, error)
}

// Relationships answers relationship questions against the external store.
type Relationships interface {
	IsConnected(ctx context.Context, a, b UserID) (bool, error)
	FamilyIDs(ctx context.Context, userID UserID) ([]uuid.UUID, error)
	// SharingPermission returns false when no grant from subject to viewer exists.
	SharingPermission(ctx context.Context, subject, viewer UserID) (SharingPermission, bool, error)
	// RelatedUsers lists everyone with any plausible relationship to the subject.
	RelatedUsers(ctx context.Context, subject UserID) ([]UserID, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event AlertEvent) error
}

// IdempotencyRepository deduplicates client retries by idempotency key.
type IdempotencyRepository interface {
	// Reserve claims key for a new request. When the key is already taken
	// claimed is false and response holds the stored result, or is nil while
	// the owning request is still running.
	Reserve(ctx context.Context, key string) (response []byte, claimed bool, err error)
	// PutResponse replaces the reservation with the final response.
	PutResponse(ctx context.Context, key string, payload []byte) error
	// Release drops a reservation that produced no response.
	Release(ctx context.Context, key string) error
}
