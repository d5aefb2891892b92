package alert_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/safecircle/internal/alert"
	"github.com/example/safecircle/internal/delivery"
	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/presence"
	"github.com/example/safecircle/internal/store/memory"
)

type recordingHandle struct {
	mu     sync.Mutex
	events []presence.Event
	err    error
}

func (h *recordingHandle) Send(_ context.Context, evt presence.Event) error {
	if h.err != nil {
		return h.err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return nil
}

func (h *recordingHandle) Events() []presence.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]presence.Event(nil), h.events...)
}

type stubSMS struct {
	mu    sync.Mutex
	sent  []string
	err   error
	block bool
	delay time.Duration
}

func (s *stubSMS) SendSMS(ctx context.Context, phone, _ string) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, phone)
	return nil
}

func (s *stubSMS) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type stubPush struct {
	mu   sync.Mutex
	subs []domain.PushSubscription
	err  error
}

func (s *stubPush) Push(_ context.Context, sub domain.PushSubscription, _ []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (s *stubPublisher) Publish(_ context.Context, evt domain.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type fixture struct {
	store    *memory.Store
	registry *presence.Registry
	sms      *stubSMS
	push     *stubPush
	events   *stubPublisher
	clock    stubClock
}

func newFixture() *fixture {
	clock := stubClock{t: time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)}
	return &fixture{
		store:    memory.New(clock),
		registry: presence.NewRegistry(clock),
		sms:      &stubSMS{},
		push:     &stubPush{},
		events:   &stubPublisher{},
		clock:    clock,
	}
}

func (f *fixture) dispatcher(store domain.AlertStore, opts ...alert.Option) *alert.Dispatcher {
	if store == nil {
		store = f.store
	}
	opts = append([]alert.Option{alert.WithClock(f.clock), alert.WithEvents(f.events)}, opts...)
	return alert.NewDispatcher(store, f.registry, f.push, f.sms, nil, alert.Config{DeliveryTimeout: 50 * time.Millisecond}, opts...)
}

func coords(lat, lon float64) (*float64, *float64) { return &lat, &lon }

func channels(records []domain.NotificationRecord) []domain.Channel {
	out := make([]domain.Channel, 0, len(records))
	for _, r := range records {
		out = append(out, r.Channel)
	}
	return out
}

func TestTriggerWithoutContactsIsRejected(t *testing.T) {
	f := newFixture()
	lat, lon := coords(6.5244, 3.3792)
	_, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: uuid.New(), Latitude: lat, Longitude: lon})
	require.ErrorIs(t, err, domain.ErrNoContacts)
	require.Equal(t, "no-contacts", domain.Reason(err))
	require.Zero(t, f.store.AlertCreates())
	require.Empty(t, f.events.events)
}

func TestTriggerRequiresCoordinates(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+2348000000001"})
	lat, _ := coords(6.5, 0)

	_, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat})
	require.ErrorIs(t, err, domain.ErrInvalidLocation)

	bad, lon := coords(95, 3)
	_, err = f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: bad, Longitude: lon})
	require.Equal(t, "invalid-location", domain.Reason(err))
	require.Zero(t, f.store.AlertCreates())
}

func TestScenarioNoContactsThenSMSContact(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(nil)
	userA := uuid.New()
	lat, lon := coords(6.5244, 3.3792)

	_, err := d.Trigger(context.Background(), "", alert.TriggerRequest{UserID: userA, Latitude: lat, Longitude: lon})
	require.ErrorIs(t, err, domain.ErrNoContacts)
	require.Zero(t, f.store.AlertCreates())

	f.store.AddContact(domain.EmergencyContact{OwnerUserID: userA, Name: "C", Phone: "+2348012345678", Priority: 1})
	res, err := d.Trigger(context.Background(), "", alert.TriggerRequest{UserID: userA, Latitude: lat, Longitude: lon, Message: "help"})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsSent)
	require.Equal(t, 1, res.TotalContacts)
	require.Equal(t, domain.AlertActive, res.Alert.Status)
	require.Equal(t, res.AlertID, res.Alert.ID)

	records, err := f.store.Notifications(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, domain.ChannelSMS, records[0].Channel)
	require.True(t, records[0].Delivered)
	require.Equal(t, "+2348012345678", records[0].RecipientAddress)
	require.Equal(t, []string{"+2348012345678"}, f.sms.Sent())

	require.Len(t, f.events.events, 1)
	require.Equal(t, domain.EventSOSTriggered, f.events.events[0].Type)
}

func TestLiveContactStillGetsSMS(t *testing.T) {
	f := newFixture()
	owner, friend := uuid.New(), uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, ContactUserID: &friend, Phone: "+15550001"})
	handle := &recordingHandle{}
	f.registry.SetPresent(friend, handle)
	lat, lon := coords(1, 2)

	res, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsSent)

	records, err := f.store.Notifications(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.Channel{domain.ChannelLive, domain.ChannelSMS}, channels(records))
	for _, r := range records {
		require.True(t, r.Delivered)
		require.NotNil(t, r.DeliveredAt)
	}
	events := handle.Events()
	require.Len(t, events, 1)
	require.Equal(t, presence.EventSOSAlert, events[0].Type)
	require.Len(t, f.sms.Sent(), 1)
}

func TestAbsentContactFallsBackToPush(t *testing.T) {
	f := newFixture()
	owner, friend := uuid.New(), uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, ContactUserID: &friend})
	f.store.AddPushSubscription(domain.PushSubscription{UserID: friend, Endpoint: "https://push.example/1"})
	lat, lon := coords(1, 2)

	res, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsSent)

	records, err := f.store.Notifications(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.Equal(t, []domain.Channel{domain.ChannelPush}, channels(records))
	require.Len(t, f.push.subs, 1)
}

func TestUnreachableRegisteredContactOnlyGetsSMS(t *testing.T) {
	f := newFixture()
	owner, friend := uuid.New(), uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, ContactUserID: &friend, Phone: "+15550002"})
	lat, lon := coords(1, 2)

	res, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsSent)

	records, err := f.store.Notifications(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, domain.ChannelSMS, records[0].Channel)
	require.True(t, records[0].Delivered)
	require.Empty(t, f.push.subs)
}

func TestPartialDeliveryIsNotAnError(t *testing.T) {
	f := newFixture()
	f.sms.err = errors.New("provider down")
	owner, present := uuid.New(), uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1", Priority: 1})
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, ContactUserID: &present, Phone: "+2", Priority: 2})
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Email: "x@example.com", Priority: 3})
	f.registry.SetPresent(present, &recordingHandle{})
	lat, lon := coords(1, 2)

	res, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalContacts)
	require.Equal(t, 1, res.NotificationsSent)
	require.LessOrEqual(t, res.NotificationsSent, res.TotalContacts)

	records, err := f.store.Notifications(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(records), res.TotalContacts)
	require.ElementsMatch(t, []domain.Channel{domain.ChannelSMS, domain.ChannelLive, domain.ChannelSMS, domain.ChannelEmail}, channels(records))
}

func TestHungProviderTimesOut(t *testing.T) {
	f := newFixture()
	f.sms.block = true
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	lat, lon := coords(1, 2)

	start := time.Now()
	res, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Zero(t, res.NotificationsSent)

	records, err := f.store.Notifications(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Delivered)
}

func TestCancelledCallerDoesNotAbortDispatch(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	lat, lon := coords(1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	d := f.dispatcher(nil)
	cancel()
	res, err := d.Trigger(ctx, "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsSent)
}

type failingRecords struct {
	*memory.Store
}

func (failingRecords) RecordNotification(context.Context, domain.NotificationRecord) error {
	return errors.New("log table unavailable")
}

func TestRecordWriteFailureDoesNotFailDelivery(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	lat, lon := coords(1, 2)

	res, err := f.dispatcher(failingRecords{f.store}).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsSent)
}

type mapIdempotency struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (m *mapIdempotency) Reserve(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.m[key]; ok {
		return v, false, nil
	}
	m.m[key] = nil
	return nil, true, nil
}

func (m *mapIdempotency) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = payload
	return nil
}

func (m *mapIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}

func TestTriggerIdempotencyKey(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	d := f.dispatcher(nil, alert.WithIdempotency(&mapIdempotency{m: map[string][]byte{}}))
	lat, lon := coords(1, 2)

	first, err := d.Trigger(context.Background(), "retry-1", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	second, err := d.Trigger(context.Background(), "retry-1", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, first.AlertID, second.AlertID)
	require.Equal(t, 1, f.store.AlertCreates())
	require.Len(t, f.sms.Sent(), 1)
}

func TestConcurrentRetryRaisesOneAlert(t *testing.T) {
	f := newFixture()
	f.sms.delay = 30 * time.Millisecond
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	d := f.dispatcher(nil, alert.WithIdempotency(&mapIdempotency{m: map[string][]byte{}}))
	lat, lon := coords(1, 2)

	results := make([]alert.TriggerResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Trigger(context.Background(), "same-key", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0].AlertID, results[1].AlertID)
	require.Equal(t, 1, f.store.AlertCreates())
	require.Len(t, f.sms.Sent(), 1)
}

func TestDuplicateGivesUpWhileOriginalRuns(t *testing.T) {
	f := newFixture()
	f.sms.block = true
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	d := alert.NewDispatcher(f.store, f.registry, f.push, f.sms, nil, alert.Config{
		DeliveryTimeout: 200 * time.Millisecond,
		InFlightWait:    20 * time.Millisecond,
	}, alert.WithClock(f.clock), alert.WithIdempotency(&mapIdempotency{m: map[string][]byte{}}))
	lat, lon := coords(1, 2)

	first := make(chan error, 1)
	go func() {
		_, err := d.Trigger(context.Background(), "slow", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
		first <- err
	}()
	require.Eventually(t, func() bool { return f.store.AlertCreates() == 1 }, time.Second, 5*time.Millisecond)

	_, err := d.Trigger(context.Background(), "slow", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.ErrorIs(t, err, domain.ErrTriggerInFlight)
	require.Equal(t, "in-flight", domain.Reason(err))
	require.NoError(t, <-first)
	require.Equal(t, 1, f.store.AlertCreates())
}

func TestRejectedTriggerFreesIdempotencyKey(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	d := f.dispatcher(nil, alert.WithIdempotency(&mapIdempotency{m: map[string][]byte{}}))
	lat, lon := coords(1, 2)

	_, err := d.Trigger(context.Background(), "k", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.ErrorIs(t, err, domain.ErrNoContacts)

	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	res, err := d.Trigger(context.Background(), "k", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsSent)
}

func TestResolveTwice(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	d := f.dispatcher(nil)
	lat, lon := coords(1, 2)
	res, err := d.Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)

	resolved, err := d.Resolve(context.Background(), res.AlertID, owner, "")
	require.NoError(t, err)
	require.Equal(t, domain.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	firstResolvedAt := *resolved.ResolvedAt

	later := f.dispatcher(nil, alert.WithClock(stubClock{t: f.clock.t.Add(time.Hour)}))
	_, err = later.Resolve(context.Background(), res.AlertID, owner, domain.AlertResolved)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)

	stored, err := f.store.GetAlert(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.Equal(t, firstResolvedAt, *stored.ResolvedAt)
}

func TestResolveByStrangerIsUnauthorized(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+1"})
	d := f.dispatcher(nil)
	lat, lon := coords(1, 2)
	res, err := d.Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)

	_, err = d.Resolve(context.Background(), res.AlertID, uuid.New(), domain.AlertResolved)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	stored, err := f.store.GetAlert(context.Background(), res.AlertID)
	require.NoError(t, err)
	require.Equal(t, domain.AlertActive, stored.Status)
	require.Nil(t, stored.ResolvedAt)
}

func TestResolveUnknownAndInvalidStatus(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(nil)
	_, err := d.Resolve(context.Background(), uuid.New(), uuid.New(), domain.AlertResolved)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = d.Resolve(context.Background(), uuid.New(), uuid.New(), domain.AlertActive)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestResolveAsFalseAlarmNotifiesPresentRecipients(t *testing.T) {
	f := newFixture()
	owner, present, absent := uuid.New(), uuid.New(), uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, ContactUserID: &present, Phone: "+1"})
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, ContactUserID: &absent, Phone: "+2"})
	handle := &recordingHandle{}
	f.registry.SetPresent(present, handle)
	d := f.dispatcher(nil)
	lat, lon := coords(1, 2)
	res, err := d.Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)

	resolved, err := d.Resolve(context.Background(), res.AlertID, owner, domain.AlertFalseAlarm)
	require.NoError(t, err)
	require.Equal(t, domain.AlertFalseAlarm, resolved.Status)

	events := handle.Events()
	require.Len(t, events, 2)
	require.Equal(t, presence.EventSOSAlert, events[0].Type)
	require.Equal(t, presence.EventSOSResolved, events[1].Type)
	require.Equal(t, domain.EventSOSResolved, f.events.events[len(f.events.events)-1].Type)
}

func TestGonePushSubscriptionIsPruned(t *testing.T) {
	f := newFixture()
	f.push.err = delivery.ErrSubscriptionGone
	owner, friend := uuid.New(), uuid.New()
	f.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, ContactUserID: &friend})
	f.store.AddPushSubscription(domain.PushSubscription{UserID: friend, Endpoint: "https://push.example/gone"})
	lat, lon := coords(1, 2)

	res, err := f.dispatcher(nil).Trigger(context.Background(), "", alert.TriggerRequest{UserID: owner, Latitude: lat, Longitude: lon})
	require.NoError(t, err)
	require.Zero(t, res.NotificationsSent)

	subs, err := f.store.PushSubscriptions(context.Background(), friend)
	require.NoError(t, err)
	require.Empty(t, subs)
}
