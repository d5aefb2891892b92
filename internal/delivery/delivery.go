// Package delivery holds the external notification channels used for SOS
// fan-out. Each sender reports a single attempt; retries are the provider's
// concern.
package delivery

import (
	"context"
	"errors"

	"github.com/example/safecircle/internal/domain"
)

var (
	// ErrChannelUnavailable is returned by senders that are not configured.
	ErrChannelUnavailable = errors.New("delivery channel not configured")
	// ErrSubscriptionGone means the push service no longer knows the endpoint.
	ErrSubscriptionGone = errors.New("push subscription gone")
)

// PushSender delivers a payload to a mobile/web push subscription.
type PushSender interface {
	Push(ctx context.Context, sub domain.PushSubscription, payload []byte) error
}

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, text string) error
}

// Disabled rejects every attempt with ErrChannelUnavailable.
type Disabled struct{}

func (Disabled) Push(context.Context, domain.PushSubscription, []byte) error {
	return ErrChannelUnavailable
}

func (Disabled) SendSMS(context.Context, string, string) error {
	return ErrChannelUnavailable
}
