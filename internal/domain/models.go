package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// UserID identifies a registered user. The core references users but never owns them.
type UserID = uuid.UUID

var (
	ErrInvalidLocation   = errors.New("invalid location")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrNoContacts        = errors.New("no emergency contacts configured")
	ErrUnauthorized      = errors.New("caller not permitted")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyResolved   = errors.New("alert already resolved")
	ErrInvalidStatus     = errors.New("invalid alert status")
	ErrTriggerInFlight   = errors.New("trigger with this idempotency key still in progress")
)

// Reason maps an error to the rejection code reported to clients.
// It returns an empty string for errors outside the rejection taxonomy.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNoContacts):
		return "no-contacts"
	case errors.Is(err, ErrInvalidLocation):
		return "invalid-location"
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid-identifier"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrAlreadyResolved):
		return "already-resolved"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid-status"
	case errors.Is(err, ErrTriggerInFlight):
		return "in-flight"
	default:
		return ""
	}
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type LocationSample struct {
	UserID     UserID    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Altitude   float64   `json:"altitude"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s LocationSample) Point() GeoPoint {
	return GeoPoint{Lat: s.Latitude, Lng: s.Longitude}
}

type GrantKind string

const (
	GrantSelf               GrantKind = "self"
	GrantDirectConnection   GrantKind = "direct-connection"
	GrantSharedFamily       GrantKind = "shared-family"
	GrantExplicitPermission GrantKind = "explicit-permission"
)

// SharingPermission is an explicit grant from Subject to Viewer.
type SharingPermission struct {
	SubjectID UserID
	ViewerID  UserID
	Enabled   bool
	ExpiresAt *time.Time
}

// Active reports whether the grant is enabled and not expired at now.
func (p SharingPermission) Active(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

type AlertStatus string

const (
	AlertActive     AlertStatus = "active"
	AlertResolved   AlertStatus = "resolved"
	AlertFalseAlarm AlertStatus = "false_alarm"
)

// Terminal reports whether the status ends an alert's lifecycle.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertFalseAlarm
}

type SOSAlert struct {
	ID         uuid.UUID   `json:"alert_id"`
	UserID     UserID      `json:"user_id"`
	Latitude   float64     `json:"latitude"`
	Longitude  float64     `json:"longitude"`
	Message    string      `json:"message,omitempty"`
	Status     AlertStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

type EmergencyContact struct {
	ID            uuid.UUID
	OwnerUserID   UserID
	ContactUserID *UserID
	Name          string
	Phone         string
	Email         string
	Priority      int
}

type Channel string

const (
	ChannelLive  Channel = "live"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// NotificationRecord is one delivery attempt. Records are append-only.
type NotificationRecord struct {
	AlertID          uuid.UUID
	RecipientUserID  *UserID
	RecipientAddress string
	Channel          Channel
	Delivered        bool
	DeliveredAt      *time.Time
}

type PushSubscription struct {
	ID       uuid.UUID `json:"id"`
	UserID   UserID    `json:"user_id"`
	Endpoint string    `json:"endpoint"`
	P256dh   string    `json:"p256dh"`
	Auth     string    `json:"auth"`
}

type AlertEventType string

const (
	EventSOSTriggered AlertEventType = "SOSTriggered"
	EventSOSResolved  AlertEventType = "SOSResolved"
)

// Subject is the message bus subject the event is published on.
func (t AlertEventType) Subject() string {
	switch t {
	case EventSOSTriggered:
		return "sos.triggered"
	case EventSOSResolved:
		return "sos.resolved"
	default:
		return "sos.events"
	}
}

// AlertEvent is an alert lifecycle event, staged in the outbox before it
// reaches the message bus.
type AlertEvent struct {
	ID        int64          `json:"id,omitempty"`
	AlertID   uuid.UUID      `json:"alert_id"`
	Type      AlertEventType `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
