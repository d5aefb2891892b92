package location

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/presence"
)

// Authorizer decides location visibility.
type Authorizer interface {
	CanView(ctx context.Context, viewer, subject domain.UserID) (bool, error)
}

// Presence resolves live connections.
type Presence interface {
	Lookup(userID domain.UserID) (presence.Handle, bool)
}

// Audience lists users with any relationship to a subject.
type Audience interface {
	RelatedUsers(ctx context.Context, subject domain.UserID) ([]domain.UserID, error)
}

// Update is the payload pushed to viewers.
type Update struct {
	UserID    domain.UserID `json:"user_id"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Accuracy  float64       `json:"accuracy"`
	Timestamp time.Time     `json:"timestamp"`
}

// Result summarizes one routed sample.
type Result struct {
	Authorized int
	Delivered  int
}

// Router persists location samples and fans them out to authorized,
// currently connected viewers. Missed updates are not queued.
type Router struct {
	store       domain.LocationStore
	audience    Audience
	authz       Authorizer
	presence    Presence
	clock       domain.Clock
	logger      *zap.Logger
	tracer      trace.Tracer
	sendTimeout time.Duration
}

// NewRouter constructs a Router.
func NewRouter(store domain.LocationStore, audience Audience, authz Authorizer, reg Presence, clock domain.Clock, logger *zap.Logger) *Router {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:       store,
		audience:    audience,
		authz:       authz,
		presence:    reg,
		clock:       clock,
		logger:      logger,
		tracer:      otel.Tracer("safecircle.location.router"),
		sendTimeout: 2 * time.Second,
	}
}

// Update records sample and pushes it to every present authorized viewer.
// A failed push to one viewer never affects the others.
func (r *Router) Update(ctx context.Context, sample domain.LocationSample) (Result, error) {
	if sample.UserID == uuid.Nil {
		return Result{}, fmt.Errorf("location sample: %w", domain.ErrInvalidIdentifier)
	}
	if !sample.Point().Valid() {
		return Result{}, fmt.Errorf("location sample: %w", domain.ErrInvalidLocation)
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = r.clock.Now()
	}

	ctx, span := r.tracer.Start(ctx, "location.update", trace.WithAttributes(attribute.String("user_id", sample.UserID.String())))
	defer span.End()

	if err := r.store.SaveLocation(ctx, sample); err != nil {
		return Result{}, fmt.Errorf("save location: %w", err)
	}
	locationUpdatesTotal.Inc()

	candidates, err := r.audience.RelatedUsers(ctx, sample.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load audience: %w", err)
	}

	evt := presence.Event{Type: presence.EventLocationUpdate, Data: Update{
		UserID:    sample.UserID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Accuracy:  sample.Accuracy,
		Timestamp: sample.CapturedAt,
	}}

	var res Result
	for _, viewer := range candidates {
		ok, err := r.authz.CanView(ctx, viewer, sample.UserID)
		if err != nil {
			r.logger.Warn("authorization check failed", zap.String("viewer_id", viewer.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		res.Authorized++
		handle, present := r.presence.Lookup(viewer)
		if !present {
			continue
		}
		if r.push(ctx, viewer, handle, evt) {
			res.Delivered++
		}
	}
	span.SetAttributes(attribute.Int("viewers.authorized", res.Authorized), attribute.Int("viewers.delivered", res.Delivered))
	return res, nil
}

func (r *Router) push(ctx context.Context, viewer domain.UserID, handle presence.Handle, evt presence.Event) bool {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if err := handle.Send(sendCtx, evt); err != nil {
		locationPushesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("location push failed", zap.String("viewer_id", viewer.String()), zap.Error(err))
		return false
	}
	locationPushesTotal.WithLabelValues("delivered").Inc()
	return true
}

// Latest returns the subject's most recent sample when viewer is authorized.
func (r *Router) Latest(ctx context.Context, viewer, subject domain.UserID) (domain.LocationSample, error) {
	ok, err := r.authz.CanView(ctx, viewer, subject)
	if err != nil {
		return domain.LocationSample{}, fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		return domain.LocationSample{}, domain.ErrUnauthorized
	}
	return r.store.LatestLocation(ctx, subject)
}
