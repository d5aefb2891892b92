package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/safecircle/internal/domain"
)

type pair struct{ a, b domain.UserID }

func orderedPair(a, b domain.UserID) pair {
	if a.String() > b.String() {
		a, b = b, a
	}
	return pair{a: a, b: b}
}

// Store is an in-memory implementation of the location, alert and
// relationship stores, suitable for tests and local demos.
type Store struct {
	mu            sync.RWMutex
	clock         domain.Clock
	locations     map[domain.UserID][]domain.LocationSample
	contacts      map[domain.UserID][]domain.EmergencyContact
	alerts        map[uuid.UUID]domain.SOSAlert
	notifications []domain.NotificationRecord
	pushSubs      map[domain.UserID][]domain.PushSubscription
	connections   map[pair]bool
	families      map[domain.UserID][]uuid.UUID
	permissions   map[pair]domain.SharingPermission
	alertCreates  int
}

// New constructs an empty Store.
func New(clock domain.Clock) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Store{
		clock:       clock,
		locations:   make(map[domain.UserID][]domain.LocationSample),
		contacts:    make(map[domain.UserID][]domain.EmergencyContact),
		alerts:      make(map[uuid.UUID]domain.SOSAlert),
		pushSubs:    make(map[domain.UserID][]domain.PushSubscription),
		connections: make(map[pair]bool),
		families:    make(map[domain.UserID][]uuid.UUID),
		permissions: make(map[pair]domain.SharingPermission),
	}
}

// SaveLocation appends a sample to the user's history.
func (s *Store) SaveLocation(_ context.Context, sample domain.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[sample.UserID] = append(s.locations[sample.UserID], sample)
	return nil
}

// LatestLocation returns the most recently captured sample.
func (s *Store) LatestLocation(_ context.Context, userID domain.UserID) (domain.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.locations[userID]
	if len(history) == 0 {
		return domain.LocationSample{}, fmt.Errorf("latest location: %w", domain.ErrNotFound)
	}
	latest := history[0]
	for _, sample := range history[1:] {
		if !sample.CapturedAt.Before(latest.CapturedAt) {
			latest = sample
		}
	}
	return latest, nil
}

// AddContact registers an emergency contact for its owner.
func (s *Store) AddContact(contact domain.EmergencyContact) domain.EmergencyContact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	s.contacts[contact.OwnerUserID] = append(s.contacts[contact.OwnerUserID], contact)
	return contact
}

// EmergencyContacts returns contacts ordered by priority ascending.
func (s *Store) EmergencyContacts(_ context.Context, owner domain.UserID) ([]domain.EmergencyContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.EmergencyContact(nil), s.contacts[owner]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// CreateAlert stores a new active alert.
func (s *Store) CreateAlert(_ context.Context, userID domain.UserID, point domain.GeoPoint, message string) (domain.SOSAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert := domain.SOSAlert{
		ID:        uuid.New(),
		UserID:    userID,
		Latitude:  point.Lat,
		Longitude: point.Lng,
		Message:   message,
		Status:    domain.AlertActive,
		CreatedAt: s.clock.Now(),
	}
	s.alerts[alert.ID] = alert
	s.alertCreates++
	return alert, nil
}

// GetAlert retrieves an alert.
func (s *Store) GetAlert(_ context.Context, alertID uuid.UUID) (domain.SOSAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return domain.SOSAlert{}, fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	return alert, nil
}

// SetAlertStatus transitions an active alert to status.
func (s *Store) SetAlertStatus(_ context.Context, alertID uuid.UUID, status domain.AlertStatus, at time.Time) (domain.SOSAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return domain.SOSAlert{}, fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	if alert.Status != domain.AlertActive {
		return alert, domain.ErrAlreadyResolved
	}
	alert.Status = status
	alert.ResolvedAt = &at
	s.alerts[alertID] = alert
	return alert, nil
}

// RecordNotification appends to the notification log.
func (s *Store) RecordNotification(_ context.Context, record domain.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, record)
	return nil
}

// Notifications returns the alert's records in write order.
func (s *Store) Notifications(_ context.Context, alertID uuid.UUID) ([]domain.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.NotificationRecord
	for _, rec := range s.notifications {
		if rec.AlertID == alertID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AddPushSubscription registers a push endpoint for a user.
func (s *Store) AddPushSubscription(sub domain.PushSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	s.pushSubs[sub.UserID] = append(s.pushSubs[sub.UserID], sub)
}

// PushSubscriptions lists a user's push endpoints.
func (s *Store) PushSubscriptions(_ context.Context, userID domain.UserID) ([]domain.PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.PushSubscription(nil), s.pushSubs[userID]...), nil
}

// DeletePushSubscription forgets a push endpoint.
func (s *Store) DeletePushSubscription(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, subs := range s.pushSubs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.ID != id {
				kept = append(kept, sub)
			}
		}
		s.pushSubs[user] = kept
	}
	return nil
}

// Connect records a connection between a and b. Only accepted connections
// authorize location viewing.
func (s *Store) Connect(a, b domain.UserID, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[orderedPair(a, b)] = accepted
}

// JoinFamily adds userID to familyID.
func (s *Store) JoinFamily(familyID uuid.UUID, userID domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[userID] = append(s.families[userID], familyID)
}

// GrantPermission stores an explicit sharing grant.
func (s *Store) GrantPermission(perm domain.SharingPermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[pair{a: perm.SubjectID, b: perm.ViewerID}] = perm
}

// IsConnected reports an accepted connection in either direction.
func (s *Store) IsConnected(_ context.Context, a, b domain.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[orderedPair(a, b)], nil
}

// FamilyIDs lists the families userID belongs to.
func (s *Store) FamilyIDs(_ context.Context, userID domain.UserID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uuid.UUID(nil), s.families[userID]...), nil
}

// SharingPermission returns the grant from subject to viewer.
func (s *Store) SharingPermission(_ context.Context, subject, viewer domain.UserID) (domain.SharingPermission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[pair{a: subject, b: viewer}]
	return perm, ok, nil
}

// RelatedUsers returns connected users, family members and grantees of subject.
func (s *Store) RelatedUsers(_ context.Context, subject domain.UserID) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[domain.UserID]struct{})
	var out []domain.UserID
	add := func(id domain.UserID) {
		if id == subject {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for p := range s.connections {
		switch subject {
		case p.a:
			add(p.b)
		case p.b:
			add(p.a)
		}
	}
	for _, fam := range s.families[subject] {
		for user, memberships := range s.families {
			for _, f := range memberships {
				if f == fam {
					add(user)
				}
			}
		}
	}
	for p := range s.permissions {
		if p.a == subject {
			add(p.b)
		}
	}
	return out, nil
}

// AlertCreates returns how many alerts were created (for tests).
func (s *Store) AlertCreates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alertCreates
}

// AllNotifications returns the full notification log (for tests).
func (s *Store) AllNotifications() []domain.NotificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.NotificationRecord(nil), s.notifications...)
}
