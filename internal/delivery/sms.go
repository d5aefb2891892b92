package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SMSConfig configures a Twilio-compatible messaging API.
type SMSConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	Timeout    time.Duration
}

type smsResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// SMSGateway posts messages to the provider's REST API.
type SMSGateway struct {
	client *resty.Client
	cfg    SMSConfig
}

// NewSMSGateway returns a sender, or Disabled when the gateway is not configured.
func NewSMSGateway(cfg SMSConfig) SMSSender {
	if cfg.BaseURL == "" || cfg.AccountSID == "" {
		return Disabled{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetHeader("Accept", "application/json")
	return &SMSGateway{client: client, cfg: cfg}
}

// SendSMS submits one message. Acceptance by the provider counts as delivered.
func (g *SMSGateway) SendSMS(ctx context.Context, phone, text string) error {
	if phone == "" {
		return fmt.Errorf("sms: empty phone number")
	}
	var out smsResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   phone,
			"From": g.cfg.From,
			"Body": text,
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", g.cfg.AccountSID))
	if err != nil {
		return fmt.Errorf("sms request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms: provider returned status %d", resp.StatusCode())
	}
	if out.ErrorCode != nil || out.Status == "failed" || out.Status == "undelivered" {
		return fmt.Errorf("sms: provider rejected message: %s", out.ErrorMessage)
	}
	return nil
}
