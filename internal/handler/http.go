package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/safecircle/internal/alert"
	"github.com/example/safecircle/internal/auth"
	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/location"
)

// Locations routes and reads location samples.
type Locations interface {
	Update(ctx context.Context, sample domain.LocationSample) (location.Result, error)
	Latest(ctx context.Context, viewer, subject domain.UserID) (domain.LocationSample, error)
}

// Alerts raises and resolves SOS alerts.
type Alerts interface {
	Trigger(ctx context.Context, key string, req alert.TriggerRequest) (alert.TriggerResult, error)
	Resolve(ctx context.Context, alertID uuid.UUID, callerID domain.UserID, status domain.AlertStatus) (domain.SOSAlert, error)
}

// HTTP exposes the REST surface of the safety service.
type HTTP struct {
	locations Locations
	alerts    Alerts
	verifier  *auth.Verifier
	live      http.Handler
	logger    *zap.Logger
}

// NewHTTP constructs a handler. live serves websocket upgrades on /v1/live.
func NewHTTP(locations Locations, alerts Alerts, verifier *auth.Verifier, live http.Handler, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{locations: locations, alerts: alerts, verifier: verifier, live: live, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(h.logger), middleware.Recoverer)
	if h.live != nil {
		r.Handle("/v1/live", h.live)
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.verifier))
		r.Post("/v1/locations", h.postLocation)
		r.Get("/v1/users/{id}/location", h.getLocation)
		r.Post("/v1/sos", h.triggerSOS)
		r.Post("/v1/sos/{id}/resolve", h.resolveSOS)
	})
	return r
}

type locationRequest struct {
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
	Accuracy   float64    `json:"accuracy"`
	Altitude   float64    `json:"altitude"`
	Speed      float64    `json:"speed"`
	Heading    float64    `json:"heading"`
	CapturedAt *time.Time `json:"captured_at"`
}

type locationResponse struct {
	Authorized int `json:"authorized_viewers"`
	Delivered  int `json:"delivered"`
}

func (h *HTTP) postLocation(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	var payload locationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed-body", err.Error())
		return
	}
	if payload.Latitude == nil || payload.Longitude == nil {
		h.fail(w, domain.ErrInvalidLocation)
		return
	}
	sample := domain.LocationSample{
		UserID:    caller,
		Latitude:  *payload.Latitude,
		Longitude: *payload.Longitude,
		Accuracy:  payload.Accuracy,
		Altitude:  payload.Altitude,
		Speed:     payload.Speed,
		Heading:   payload.Heading,
	}
	if payload.CapturedAt != nil {
		sample.CapturedAt = payload.CapturedAt.UTC()
	}
	res, err := h.locations.Update(r.Context(), sample)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, locationResponse{Authorized: res.Authorized, Delivered: res.Delivered})
}

func (h *HTTP) getLocation(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	subject, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, domain.ErrInvalidIdentifier)
		return
	}
	sample, err := h.locations.Latest(r.Context(), caller, subject)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

type triggerRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Message   string   `json:"message"`
}

func (h *HTTP) triggerSOS(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	var payload triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed-body", err.Error())
		return
	}
	res, err := h.alerts.Trigger(r.Context(), r.Header.Get("Idempotency-Key"), alert.TriggerRequest{
		UserID:    caller,
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Message:   payload.Message,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *HTTP) resolveSOS(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserIDFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, domain.ErrInvalidIdentifier)
		return
	}
	var payload struct {
		Status domain.AlertStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed-body", err.Error())
		return
	}
	resolved, err := h.alerts.Resolve(r.Context(), id, caller, payload.Status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// statusFor maps rejection reasons onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentifier), errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidLocation), errors.Is(err, domain.ErrNoContacts):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyResolved), errors.Is(err, domain.ErrTriggerInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	reason := domain.Reason(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal", "internal error")
		return
	}
	writeError(w, status, reason, err.Error())
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]string{"error": reason, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
