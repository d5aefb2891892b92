package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/presence"
)

// Notifier tells prior SOS recipients that the alert has been resolved.
// It only uses live connections and swallows every failure.
type Notifier struct {
	store    domain.AlertStore
	presence Presence
	logger   *zap.Logger
	timeout  time.Duration
}

// NewNotifier constructs a Notifier.
func NewNotifier(store domain.AlertStore, reg Presence, logger *zap.Logger, timeout time.Duration) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{store: store, presence: reg, logger: logger, timeout: timeout}
}

// NotifyResolved pushes a resolution event to every distinct registered
// recipient of alert that is currently connected. It returns how many
// recipients were reached.
func (n *Notifier) NotifyResolved(ctx context.Context, alert domain.SOSAlert) int {
	records, err := n.store.Notifications(ctx, alert.ID)
	if err != nil {
		n.logger.Warn("load alert recipients failed", zap.String("alert_id", alert.ID.String()), zap.Error(err))
		return 0
	}

	evt := presence.Event{Type: presence.EventSOSResolved, Data: payloadFor(alert)}
	seen := make(map[domain.UserID]struct{}, len(records))
	reached := 0
	for _, rec := range records {
		if rec.RecipientUserID == nil {
			continue
		}
		userID := *rec.RecipientUserID
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}

		handle, ok := n.presence.Lookup(userID)
		if !ok {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := handle.Send(sendCtx, evt)
		cancel()
		if err != nil {
			n.logger.Warn("resolution notice failed",
				zap.String("alert_id", alert.ID.String()),
				zap.String("recipient_id", userID.String()),
				zap.Error(err),
			)
			continue
		}
		reached++
	}
	return reached
}
