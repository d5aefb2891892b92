package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/safecircle/internal/alert"
	"github.com/example/safecircle/internal/auth"
	"github.com/example/safecircle/internal/authz"
	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/handler"
	"github.com/example/safecircle/internal/location"
	"github.com/example/safecircle/internal/presence"
	"github.com/example/safecircle/internal/store/memory"
)

type stubSMS struct{ sent int }

func (s *stubSMS) SendSMS(_ context.Context, _, _ string) error {
	s.sent++
	return nil
}

type app struct {
	store    *memory.Store
	sms      *stubSMS
	verifier *auth.Verifier
	router   http.Handler
}

func newApp(t *testing.T) *app {
	t.Helper()
	store := memory.New(nil)
	reg := presence.NewRegistry(nil)
	resolver := authz.New(store, nil)
	sms := &stubSMS{}
	router := location.NewRouter(store, store, resolver, reg, nil, nil)
	dispatcher := alert.NewDispatcher(store, reg, nil, sms, nil, alert.Config{})
	verifier := auth.NewVerifier("handler-secret")
	h := handler.NewHTTP(router, dispatcher, verifier, nil, nil)
	return &app{store: store, sms: sms, verifier: verifier, router: h.Router()}
}

func (a *app) do(t *testing.T, method, path string, user domain.UserID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != uuid.Nil {
		token, err := a.verifier.Issue(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestRequiresToken(t *testing.T) {
	a := newApp(t)
	rec := a.do(t, http.MethodPost, "/v1/sos", uuid.Nil, map[string]any{"latitude": 1, "longitude": 2})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerWithoutContacts(t *testing.T) {
	a := newApp(t)
	rec := a.do(t, http.MethodPost, "/v1/sos", uuid.New(), map[string]any{"latitude": 6.5244, "longitude": 3.3792})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "no-contacts", decodeError(t, rec))
	require.Zero(t, a.store.AlertCreates())
}

func TestTriggerMissingCoordinates(t *testing.T) {
	a := newApp(t)
	rec := a.do(t, http.MethodPost, "/v1/sos", uuid.New(), map[string]any{"message": "help"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "invalid-location", decodeError(t, rec))
}

func TestTriggerAndResolve(t *testing.T) {
	a := newApp(t)
	owner := uuid.New()
	a.store.AddContact(domain.EmergencyContact{OwnerUserID: owner, Phone: "+2348012345678"})

	rec := a.do(t, http.MethodPost, "/v1/sos", owner, map[string]any{"latitude": 6.5244, "longitude": 3.3792})
	require.Equal(t, http.StatusCreated, rec.Code)
	var res alert.TriggerResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Equal(t, 1, res.NotificationsSent)
	require.Equal(t, 1, res.TotalContacts)
	require.Equal(t, 1, a.sms.sent)

	path := "/v1/sos/" + res.AlertID.String() + "/resolve"
	rec = a.do(t, http.MethodPost, path, uuid.New(), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "unauthorized", decodeError(t, rec))

	rec = a.do(t, http.MethodPost, path, owner, map[string]string{"status": "false_alarm"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved domain.SOSAlert
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resolved))
	require.Equal(t, domain.AlertFalseAlarm, resolved.Status)

	rec = a.do(t, http.MethodPost, path, owner, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already-resolved", decodeError(t, rec))

	rec = a.do(t, http.MethodPost, "/v1/sos/"+uuid.NewString()+"/resolve", owner, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/sos/not-a-uuid/resolve", owner, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLocationPostAndRead(t *testing.T) {
	a := newApp(t)
	subject, friend, stranger := uuid.New(), uuid.New(), uuid.New()
	a.store.Connect(subject, friend, true)

	rec := a.do(t, http.MethodPost, "/v1/locations", subject, map[string]any{"latitude": 6.5, "longitude": 3.4, "accuracy": 8})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/locations", subject, map[string]any{"latitude": 91, "longitude": 3.4})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/users/"+subject.String()+"/location", friend, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sample domain.LocationSample
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sample))
	require.Equal(t, 6.5, sample.Latitude)

	rec = a.do(t, http.MethodGet, "/v1/users/"+subject.String()+"/location", stranger, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/users/"+friend.String()+"/location", subject, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
