// Package ws serves the live connection endpoint. A connected user is
// present in the registry for exactly the lifetime of the socket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/safecircle/internal/auth"
	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/location"
	"github.com/example/safecircle/internal/presence"
)

// Inbound frame types.
const (
	FrameLocation = "location"
	FramePing     = "ping"
)

// Outbound acknowledgement and error event types.
const (
	EventLocationAck = "location_ack"
	EventError       = "error"
	EventPong        = "pong"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(token string) (domain.UserID, error)
}

// Registry tracks live connections.
type Registry interface {
	SetPresent(userID domain.UserID, handle presence.Handle)
	Release(userID domain.UserID, handle presence.Handle) bool
}

// Ingestor accepts location samples.
type Ingestor interface {
	Update(ctx context.Context, sample domain.LocationSample) (location.Result, error)
}

// Frame is a client message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// LocationFrame carries one sample from the client.
type LocationFrame struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Altitude  float64  `json:"altitude"`
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`
	Timestamp int64    `json:"timestamp"`
}

// Handler upgrades authenticated requests to websocket connections.
type Handler struct {
	authn    Authenticator
	registry Registry
	ingest   Ingestor
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(authn Authenticator, registry Registry, ingest Ingestor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		authn:    authn,
		registry: registry,
		ingest:   ingest,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates, upgrades and runs the connection until either
// side closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	userID, err := h.authn.Authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(ws)
	h.registry.SetPresent(userID, conn)
	h.logger.Debug("live connection opened", zap.String("user_id", userID.String()))

	go conn.writeLoop()
	h.readLoop(r.Context(), userID, conn)

	conn.Close()
	h.registry.Release(userID, conn)
	h.logger.Debug("live connection closed", zap.String("user_id", userID.String()))
}

func (h *Handler) readLoop(ctx context.Context, userID domain.UserID, conn *Conn) {
	ctx = context.WithoutCancel(ctx)
	ws := conn.conn
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.reply(ctx, conn, EventError, map[string]string{"error": "malformed-frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("user_id", userID.String()), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case FrameLocation:
			h.handleLocation(ctx, userID, conn, frame.Data)
		case FramePing:
			h.reply(ctx, conn, EventPong, nil)
		default:
			h.reply(ctx, conn, EventError, map[string]string{"error": "unknown-frame", "type": frame.Type})
		}
	}
}

func (h *Handler) handleLocation(ctx context.Context, userID domain.UserID, conn *Conn, raw json.RawMessage) {
	var in LocationFrame
	if err := json.Unmarshal(raw, &in); err != nil || in.Latitude == nil || in.Longitude == nil {
		h.reply(ctx, conn, EventError, map[string]string{"error": domain.Reason(domain.ErrInvalidLocation)})
		return
	}
	sample := domain.LocationSample{
		UserID:    userID,
		Latitude:  *in.Latitude,
		Longitude: *in.Longitude,
		Accuracy:  in.Accuracy,
		Altitude:  in.Altitude,
		Speed:     in.Speed,
		Heading:   in.Heading,
	}
	if in.Timestamp > 0 {
		sample.CapturedAt = time.UnixMilli(in.Timestamp).UTC()
	}
	res, err := h.ingest.Update(ctx, sample)
	if err != nil {
		reason := domain.Reason(err)
		if reason == "" {
			reason = "internal"
			h.logger.Warn("location ingest failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
		h.reply(ctx, conn, EventError, map[string]string{"error": reason})
		return
	}
	h.reply(ctx, conn, EventLocationAck, map[string]int{"delivered": res.Delivered})
}

func (h *Handler) reply(ctx context.Context, conn *Conn, typ string, data any) {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	_ = conn.Send(ctx, presence.Event{Type: typ, Data: data})
}
