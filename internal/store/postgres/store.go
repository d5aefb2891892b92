// Package postgres implements the location, alert and relationship stores on
// PostgreSQL through database/sql and the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/safecircle/internal/domain"
)

// Store is the PostgreSQL backed store.
type Store struct {
	db    *sql.DB
	clock domain.Clock
}

// New wraps an open database handle.
func New(db *sql.DB, clock domain.Clock) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Store{db: db, clock: clock}
}

// SaveLocation appends a sample.
func (s *Store) SaveLocation(ctx context.Context, sample domain.LocationSample) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO location_samples (user_id, latitude, longitude, accuracy, altitude, speed, heading, captured_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sample.UserID, sample.Latitude, sample.Longitude, sample.Accuracy, sample.Altitude, sample.Speed, sample.Heading, sample.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

// LatestLocation returns the newest sample of userID.
func (s *Store) LatestLocation(ctx context.Context, userID domain.UserID) (domain.LocationSample, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, latitude, longitude, accuracy, altitude, speed, heading, captured_at
FROM location_samples WHERE user_id = $1 ORDER BY captured_at DESC LIMIT 1`, userID)
	var sample domain.LocationSample
	err := row.Scan(&sample.UserID, &sample.Latitude, &sample.Longitude, &sample.Accuracy, &sample.Altitude, &sample.Speed, &sample.Heading, &sample.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LocationSample{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LocationSample{}, fmt.Errorf("select location: %w", err)
	}
	return sample, nil
}

// EmergencyContacts returns contacts by priority.
func (s *Store) EmergencyContacts(ctx context.Context, owner domain.UserID) ([]domain.EmergencyContact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_user_id, contact_user_id, name, phone, email, priority
FROM emergency_contacts WHERE owner_user_id = $1 ORDER BY priority ASC, id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("select contacts: %w", err)
	}
	defer rows.Close()
	var out []domain.EmergencyContact
	for rows.Next() {
		var (
			c       domain.EmergencyContact
			contact uuid.NullUUID
		)
		if err := rows.Scan(&c.ID, &c.OwnerUserID, &contact, &c.Name, &c.Phone, &c.Email, &c.Priority); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		if contact.Valid {
			id := contact.UUID
			c.ContactUserID = &id
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

const alertColumns = `id, user_id, latitude, longitude, message, status, created_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (domain.SOSAlert, error) {
	var (
		a        domain.SOSAlert
		status   string
		resolved sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Latitude, &a.Longitude, &a.Message, &status, &a.CreatedAt, &resolved); err != nil {
		return domain.SOSAlert{}, err
	}
	a.Status = domain.AlertStatus(status)
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

// CreateAlert inserts an active alert.
func (s *Store) CreateAlert(ctx context.Context, userID domain.UserID, point domain.GeoPoint, message string) (domain.SOSAlert, error) {
	row := s.db.QueryRowContext(ctx, `INSERT INTO sos_alerts (id, user_id, latitude, longitude, message, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+alertColumns,
		uuid.New(), userID, point.Lat, point.Lng, message, string(domain.AlertActive), s.clock.Now())
	alert, err := scanAlert(row)
	if err != nil {
		return domain.SOSAlert{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// GetAlert loads an alert by id.
func (s *Store) GetAlert(ctx context.Context, alertID uuid.UUID) (domain.SOSAlert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM sos_alerts WHERE id = $1`, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SOSAlert{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SOSAlert{}, fmt.Errorf("select alert: %w", err)
	}
	return alert, nil
}

// SetAlertStatus transitions an active alert. The WHERE clause makes
// concurrent resolutions race safely: only one caller sees the row.
func (s *Store) SetAlertStatus(ctx context.Context, alertID uuid.UUID, status domain.AlertStatus, at time.Time) (domain.SOSAlert, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE sos_alerts SET status = $2, resolved_at = $3
WHERE id = $1 AND status = 'active' RETURNING `+alertColumns, alertID, string(status), at)
	alert, err := scanAlert(row)
	if err == nil {
		return alert, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.SOSAlert{}, fmt.Errorf("update alert: %w", err)
	}
	current, err := s.GetAlert(ctx, alertID)
	if err != nil {
		return domain.SOSAlert{}, err
	}
	return current, domain.ErrAlreadyResolved
}

// RecordNotification appends one delivery attempt.
func (s *Store) RecordNotification(ctx context.Context, record domain.NotificationRecord) error {
	var recipient uuid.NullUUID
	if record.RecipientUserID != nil {
		recipient = uuid.NullUUID{UUID: *record.RecipientUserID, Valid: true}
	}
	var deliveredAt sql.NullTime
	if record.DeliveredAt != nil {
		deliveredAt = sql.NullTime{Time: *record.DeliveredAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_records (alert_id, recipient_user_id, recipient_address, channel, delivered, delivered_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		record.AlertID, recipient, record.RecipientAddress, string(record.Channel), record.Delivered, deliveredAt)
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}
	return nil
}

// Notifications lists the attempts recorded for alertID in insertion order.
func (s *Store) Notifications(ctx context.Context, alertID uuid.UUID) ([]domain.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alert_id, recipient_user_id, recipient_address, channel, delivered, delivered_at
FROM notification_records WHERE alert_id = $1 ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("select notification records: %w", err)
	}
	defer rows.Close()
	var out []domain.NotificationRecord
	for rows.Next() {
		var (
			rec         domain.NotificationRecord
			recipient   uuid.NullUUID
			channel     string
			deliveredAt sql.NullTime
		)
		if err := rows.Scan(&rec.AlertID, &recipient, &rec.RecipientAddress, &channel, &rec.Delivered, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan notification record: %w", err)
		}
		rec.Channel = domain.Channel(channel)
		if recipient.Valid {
			id := recipient.UUID
			rec.RecipientUserID = &id
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			rec.DeliveredAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification records: %w", err)
	}
	return out, nil
}

// PushSubscriptions lists the web push endpoints of userID.
func (s *Store) PushSubscriptions(ctx context.Context, userID domain.UserID) ([]domain.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("select push subscriptions: %w", err)
	}
	defer rows.Close()
	var out []domain.PushSubscription
	for rows.Next() {
		var sub domain.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push subscriptions: %w", err)
	}
	return out, nil
}

// DeletePushSubscription removes an endpoint the push service reported gone.
func (s *Store) DeletePushSubscription(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

// IsConnected reports an accepted connection in either direction.
func (s *Store) IsConnected(ctx context.Context, a, b domain.UserID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (
SELECT 1 FROM connections WHERE status = 'accepted'
AND ((user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)))`, a, b).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("select connection: %w", err)
	}
	return ok, nil
}

// FamilyIDs lists the families userID belongs to.
func (s *Store) FamilyIDs(ctx context.Context, userID domain.UserID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT family_id FROM family_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("select families: %w", err)
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan family: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate families: %w", err)
	}
	return out, nil
}

// SharingPermission loads the explicit grant from subject to viewer.
func (s *Store) SharingPermission(ctx context.Context, subject, viewer domain.UserID) (domain.SharingPermission, bool, error) {
	var (
		perm    = domain.SharingPermission{SubjectID: subject, ViewerID: viewer}
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT enabled, expires_at FROM sharing_permissions WHERE subject_id = $1 AND viewer_id = $2`, subject, viewer).
		Scan(&perm.Enabled, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SharingPermission{}, false, nil
	}
	if err != nil {
		return domain.SharingPermission{}, false, fmt.Errorf("select sharing permission: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		perm.ExpiresAt = &t
	}
	return perm, true, nil
}

// RelatedUsers returns every user connected to, sharing a family with, or
// granted access by subject. Authorization is decided by the caller.
func (s *Store) RelatedUsers(ctx context.Context, subject domain.UserID) ([]domain.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT friend_id FROM connections WHERE user_id = $1
UNION SELECT user_id FROM connections WHERE friend_id = $1
UNION SELECT other.user_id FROM family_members me JOIN family_members other ON other.family_id = me.family_id
  WHERE me.user_id = $1 AND other.user_id <> $1
UNION SELECT viewer_id FROM sharing_permissions WHERE subject_id = $1`, subject)
	if err != nil {
		return nil, fmt.Errorf("select related users: %w", err)
	}
	defer rows.Close()
	var out []domain.UserID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan related user: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate related users: %w", err)
	}
	return out, nil
}

// Publish stages evt in the alert outbox. The outbox worker forwards it to
// the message bus, so alert handling never blocks on broker availability.
func (s *Store) Publish(ctx context.Context, evt domain.AlertEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO alert_outbox (alert_id, topic, payload) VALUES ($1, $2, $3)`,
		evt.AlertID, evt.Type.Subject(), payload)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
