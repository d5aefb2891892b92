package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/safecircle/internal/delivery"
	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/presence"
)

// subscriptionPruner is implemented by stores that can forget push
// endpoints the push service no longer accepts.
type subscriptionPruner interface {
	DeletePushSubscription(ctx context.Context, id uuid.UUID) error
}

// Presence resolves live connections.
type Presence interface {
	Lookup(userID domain.UserID) (presence.Handle, bool)
}

// Config tunes delivery behaviour.
type Config struct {
	// DeliveryTimeout bounds each external send; a timeout is a failed attempt.
	DeliveryTimeout time.Duration
	// RecordTimeout bounds each notification record write.
	RecordTimeout time.Duration
	// InFlightWait bounds how long a duplicate trigger waits for the
	// original to finish before it is rejected with ErrTriggerInFlight.
	InFlightWait time.Duration
}

// inFlightPoll is how often a waiting duplicate re-checks its key.
const inFlightPoll = 25 * time.Millisecond

// TriggerRequest is an SOS raised by UserID. Coordinates are pointers so a
// missing value can be told apart from the equator or prime meridian.
type TriggerRequest struct {
	UserID    domain.UserID
	Latitude  *float64
	Longitude *float64
	Message   string
}

// TriggerResult is the aggregate dispatch outcome returned to the caller.
type TriggerResult struct {
	AlertID           uuid.UUID       `json:"alert_id"`
	Alert             domain.SOSAlert `json:"alert"`
	NotificationsSent int             `json:"notifications_sent"`
	TotalContacts     int             `json:"total_contacts"`
}

// Payload is the body of live and push SOS notifications.
type Payload struct {
	AlertID   uuid.UUID          `json:"alert_id"`
	UserID    domain.UserID      `json:"user_id"`
	Latitude  float64            `json:"latitude"`
	Longitude float64            `json:"longitude"`
	Message   string             `json:"message,omitempty"`
	Status    domain.AlertStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

func payloadFor(alert domain.SOSAlert) Payload {
	return Payload{
		AlertID:   alert.ID,
		UserID:    alert.UserID,
		Latitude:  alert.Latitude,
		Longitude: alert.Longitude,
		Message:   alert.Message,
		Status:    alert.Status,
		CreatedAt: alert.CreatedAt,
	}
}

// Dispatcher creates SOS alerts and fans them out to emergency contacts.
type Dispatcher struct {
	store      domain.AlertStore
	presence   Presence
	push       delivery.PushSender
	sms        delivery.SMSSender
	events     domain.EventPublisher
	idempotent domain.IdempotencyRepository
	notifier   *Notifier
	clock      domain.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        Config
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithEvents publishes alert lifecycle events.
func WithEvents(p domain.EventPublisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithIdempotency caches trigger responses by idempotency key.
func WithIdempotency(repo domain.IdempotencyRepository) Option {
	return func(d *Dispatcher) { d.idempotent = repo }
}

// WithClock overrides the time source.
func WithClock(c domain.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store domain.AlertStore, reg Presence, push delivery.PushSender, sms delivery.SMSSender, logger *zap.Logger, cfg Config, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if push == nil {
		push = delivery.Disabled{}
	}
	if sms == nil {
		sms = delivery.Disabled{}
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 2 * time.Second
	}
	if cfg.InFlightWait <= 0 {
		cfg.InFlightWait = 3*(cfg.DeliveryTimeout+cfg.RecordTimeout) + time.Second
	}
	d := &Dispatcher{
		store:    store,
		presence: reg,
		push:     push,
		sms:      sms,
		clock:    domain.SystemClock{},
		logger:   logger,
		tracer:   otel.Tracer("safecircle.alert.dispatcher"),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.notifier = NewNotifier(store, reg, logger.Named("resolution"), cfg.DeliveryTimeout)
	return d
}

// Trigger raises an SOS for req.UserID. It fails only before the alert
// exists: invalid coordinates or an owner without emergency contacts.
// Once created, partial or total delivery failure is reported through the
// aggregate counts, never as an error.
func (d *Dispatcher) Trigger(ctx context.Context, key string, req TriggerRequest) (TriggerResult, error) {
	if req.UserID == uuid.Nil {
		return TriggerResult{}, fmt.Errorf("trigger: %w", domain.ErrInvalidIdentifier)
	}
	if req.Latitude == nil || req.Longitude == nil {
		triggersTotal.WithLabelValues("invalid_location").Inc()
		return TriggerResult{}, fmt.Errorf("trigger: missing coordinates: %w", domain.ErrInvalidLocation)
	}
	point := domain.GeoPoint{Lat: *req.Latitude, Lng: *req.Longitude}
	if !point.Valid() {
		triggersTotal.WithLabelValues("invalid_location").Inc()
		return TriggerResult{}, fmt.Errorf("trigger: coordinates out of range: %w", domain.ErrInvalidLocation)
	}

	if key == "" || d.idempotent == nil {
		return d.trigger(ctx, req, point)
	}

	cacheKey := req.UserID.String() + ":" + key
	cached, replay, err := d.claim(ctx, cacheKey)
	if err != nil {
		return TriggerResult{}, err
	}
	if replay {
		return cached, nil
	}
	res, err := d.trigger(ctx, req, point)
	d.settle(context.WithoutCancel(ctx), cacheKey, res, err)
	return res, err
}

// claim reserves key for this trigger. replay is true when an earlier
// trigger with the same key already produced res. A duplicate arriving while
// the original is still dispatching waits for its result.
func (d *Dispatcher) claim(ctx context.Context, key string) (res TriggerResult, replay bool, err error) {
	deadline := time.NewTimer(d.cfg.InFlightWait)
	defer deadline.Stop()
	for {
		stored, claimed, err := d.idempotent.Reserve(ctx, key)
		if err != nil {
			// The alert still goes out; only deduplication is lost.
			d.logger.Warn("idempotency reserve failed", zap.String("key", key), zap.Error(err))
			return TriggerResult{}, false, nil
		}
		if claimed {
			return TriggerResult{}, false, nil
		}
		if stored != nil {
			if err := json.Unmarshal(stored, &res); err != nil {
				return TriggerResult{}, false, fmt.Errorf("decode cached trigger: %w", err)
			}
			triggersTotal.WithLabelValues("replayed").Inc()
			return res, true, nil
		}
		select {
		case <-ctx.Done():
			return TriggerResult{}, false, ctx.Err()
		case <-deadline.C:
			triggersTotal.WithLabelValues("in_flight").Inc()
			return TriggerResult{}, false, fmt.Errorf("trigger %q: %w", key, domain.ErrTriggerInFlight)
		case <-time.After(inFlightPoll):
		}
	}
}

// settle stores the result of a claimed trigger, or frees the key when the
// trigger was rejected so a corrected retry can run.
func (d *Dispatcher) settle(ctx context.Context, key string, res TriggerResult, triggerErr error) {
	if triggerErr != nil {
		if err := d.idempotent.Release(ctx, key); err != nil {
			d.logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	encoded, err := json.Marshal(res)
	if err == nil {
		err = d.idempotent.PutResponse(ctx, key, encoded)
	}
	if err != nil {
		d.logger.Warn("idempotency store failed", zap.String("key", key), zap.Error(err))
	}
}

func (d *Dispatcher) trigger(ctx context.Context, req TriggerRequest, point domain.GeoPoint) (TriggerResult, error) {
	contacts, err := d.store.EmergencyContacts(ctx, req.UserID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("load contacts: %w", err)
	}
	if len(contacts) == 0 {
		triggersTotal.WithLabelValues("no_contacts").Inc()
		return TriggerResult{}, domain.ErrNoContacts
	}

	created, err := d.store.CreateAlert(ctx, req.UserID, point, strings.TrimSpace(req.Message))
	if err != nil {
		return TriggerResult{}, fmt.Errorf("create alert: %w", err)
	}

	// Delivery must outlive a caller that disconnects mid-dispatch.
	dispatchCtx := context.WithoutCancel(ctx)
	dispatchCtx, span := d.tracer.Start(dispatchCtx, "sos.dispatch", trace.WithAttributes(
		attribute.String("alert_id", created.ID.String()),
		attribute.Int("contacts", len(contacts)),
	))
	start := time.Now()
	sent := d.fanOut(dispatchCtx, created, contacts)
	dispatchDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("notifications_sent", sent))
	if sent == 0 {
		span.SetStatus(codes.Error, "no contact reached")
	}
	span.End()

	d.publish(dispatchCtx, domain.AlertEvent{
		AlertID: created.ID,
		Type:    domain.EventSOSTriggered,
		Payload: map[string]any{
			"user_id":            created.UserID.String(),
			"latitude":           created.Latitude,
			"longitude":          created.Longitude,
			"notifications_sent": sent,
			"total_contacts":     len(contacts),
		},
		CreatedAt: created.CreatedAt,
	})

	result := TriggerResult{
		AlertID:           created.ID,
		Alert:             created,
		NotificationsSent: sent,
		TotalContacts:     len(contacts),
	}
	switch {
	case sent == len(contacts):
		triggersTotal.WithLabelValues("dispatched").Inc()
	default:
		triggersTotal.WithLabelValues("partial").Inc()
		d.logger.Warn("sos partially delivered",
			zap.String("alert_id", created.ID.String()),
			zap.Int("notifications_sent", sent),
			zap.Int("total_contacts", len(contacts)),
		)
	}
	return result, nil
}

// fanOut notifies every contact concurrently and waits for all of them.
// It returns how many contacts had at least one successful delivery.
func (d *Dispatcher) fanOut(ctx context.Context, alert domain.SOSAlert, contacts []domain.EmergencyContact) int {
	reached := make([]bool, len(contacts))
	var wg sync.WaitGroup
	for i, contact := range contacts {
		wg.Add(1)
		go func(i int, contact domain.EmergencyContact) {
			defer wg.Done()
			reached[i] = d.notifyContact(ctx, alert, contact)
		}(i, contact)
	}
	wg.Wait()

	sent := 0
	for _, ok := range reached {
		if ok {
			sent++
		}
	}
	return sent
}

// notifyContact tries live then push for registered contacts, and always
// SMS when a phone number exists. Every attempt is recorded; push is only
// attempted when the contact holds at least one subscription.
func (d *Dispatcher) notifyContact(ctx context.Context, alert domain.SOSAlert, contact domain.EmergencyContact) bool {
	payload := payloadFor(alert)
	reached := false
	attempted := false

	if contact.ContactUserID != nil {
		userID := *contact.ContactUserID
		liveOK := false
		if handle, ok := d.presence.Lookup(userID); ok {
			attempted = true
			err := d.attempt(ctx, func(ctx context.Context) error {
				return handle.Send(ctx, presence.Event{Type: presence.EventSOSAlert, Data: payload})
			})
			liveOK = d.finish(ctx, alert, contact, domain.ChannelLive, userID.String(), err)
		}
		if !liveOK {
			subs, err := d.store.PushSubscriptions(ctx, userID)
			switch {
			case err != nil:
				attempted = true
				liveOK = d.finish(ctx, alert, contact, domain.ChannelPush, userID.String(), fmt.Errorf("load push subscriptions: %w", err))
			case len(subs) > 0:
				attempted = true
				err = d.attempt(ctx, func(ctx context.Context) error { return d.pushToUser(ctx, subs, payload) })
				liveOK = d.finish(ctx, alert, contact, domain.ChannelPush, userID.String(), err)
			}
		}
		reached = reached || liveOK
	}

	if contact.Phone != "" {
		attempted = true
		text := smsText(alert)
		err := d.attempt(ctx, func(ctx context.Context) error { return d.sms.SendSMS(ctx, contact.Phone, text) })
		reached = d.finish(ctx, alert, contact, domain.ChannelSMS, contact.Phone, err) || reached
	}

	if !attempted {
		// No channel can carry the alert to this contact; keep the log complete.
		d.finish(ctx, alert, contact, domain.ChannelEmail, contact.Email, delivery.ErrChannelUnavailable)
	}
	return reached
}

func (d *Dispatcher) pushToUser(ctx context.Context, subs []domain.PushSubscription, payload Payload) error {
	body, err := json.Marshal(presence.Event{Type: presence.EventSOSAlert, Data: payload})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	var errs []error
	for _, sub := range subs {
		if err := d.push.Push(ctx, sub, body); err != nil {
			errs = append(errs, err)
			if errors.Is(err, delivery.ErrSubscriptionGone) {
				d.prune(ctx, sub)
			}
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) prune(ctx context.Context, sub domain.PushSubscription) {
	pruner, ok := d.store.(subscriptionPruner)
	if !ok {
		return
	}
	if err := pruner.DeletePushSubscription(ctx, sub.ID); err != nil {
		d.logger.Warn("prune push subscription failed", zap.String("subscription_id", sub.ID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) attempt(ctx context.Context, send func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	return send(ctx)
}

// finish records the attempt and reports whether it delivered.
func (d *Dispatcher) finish(ctx context.Context, alert domain.SOSAlert, contact domain.EmergencyContact, channel domain.Channel, address string, err error) bool {
	rec := domain.NotificationRecord{
		AlertID:          alert.ID,
		RecipientUserID:  contact.ContactUserID,
		RecipientAddress: address,
		Channel:          channel,
		Delivered:        err == nil,
	}
	if err == nil {
		now := d.clock.Now()
		rec.DeliveredAt = &now
		deliveryAttempts.WithLabelValues(string(channel), "delivered").Inc()
	} else {
		deliveryAttempts.WithLabelValues(string(channel), "failed").Inc()
		d.logger.Warn("sos delivery failed",
			zap.String("alert_id", alert.ID.String()),
			zap.String("contact_id", contact.ID.String()),
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
	}
	d.record(ctx, rec)
	return err == nil
}

// record writes rec best-effort; a failed write never changes the outcome
// of the attempt it describes.
func (d *Dispatcher) record(ctx context.Context, rec domain.NotificationRecord) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RecordTimeout)
	defer cancel()
	if err := d.store.RecordNotification(ctx, rec); err != nil {
		recordWriteFailures.Inc()
		d.logger.Warn("notification record write failed",
			zap.String("alert_id", rec.AlertID.String()),
			zap.String("channel", string(rec.Channel)),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) publish(ctx context.Context, evt domain.AlertEvent) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, evt); err != nil {
		d.logger.Warn("alert event publish failed", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// Resolve closes an active alert owned by callerID and then tells prior
// recipients the owner is safe. status defaults to resolved.
func (d *Dispatcher) Resolve(ctx context.Context, alertID uuid.UUID, callerID domain.UserID, status domain.AlertStatus) (domain.SOSAlert, error) {
	if status == "" {
		status = domain.AlertResolved
	}
	if !status.Terminal() {
		return domain.SOSAlert{}, fmt.Errorf("resolve %q: %w", status, domain.ErrInvalidStatus)
	}

	current, err := d.store.GetAlert(ctx, alertID)
	if err != nil {
		return domain.SOSAlert{}, err
	}
	if current.UserID != callerID {
		return domain.SOSAlert{}, domain.ErrUnauthorized
	}
	if current.Status != domain.AlertActive {
		return current, domain.ErrAlreadyResolved
	}

	resolved, err := d.store.SetAlertStatus(ctx, alertID, status, d.clock.Now())
	if err != nil {
		return resolved, err
	}

	notifyCtx := context.WithoutCancel(ctx)
	d.publish(notifyCtx, domain.AlertEvent{
		AlertID: resolved.ID,
		Type:    domain.EventSOSResolved,
		Payload: map[string]any{
			"user_id": resolved.UserID.String(),
			"status":  string(resolved.Status),
		},
		CreatedAt: d.clock.Now(),
	})
	d.notifier.NotifyResolved(notifyCtx, resolved)
	return resolved, nil
}

func smsText(alert domain.SOSAlert) string {
	var b strings.Builder
	b.WriteString("SOS ALERT: your emergency contact needs help.")
	if alert.Message != "" {
		b.WriteString(" Message: ")
		b.WriteString(alert.Message)
		b.WriteString(".")
	}
	fmt.Fprintf(&b, " Location: https://maps.google.com/?q=%.6f,%.6f", alert.Latitude, alert.Longitude)
	return b.String()
}
