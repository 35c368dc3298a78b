package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
)

// SMSConfig holds Twilio credentials. Missing credentials disable SMS.
type SMSConfig struct {
	AccountSID string        `yaml:"account_sid" mapstructure:"account_sid"`
	AuthToken  string        `yaml:"auth_token" mapstructure:"auth_token"`
	From       string        `yaml:"from" mapstructure:"from"`
	To         string        `yaml:"to" mapstructure:"to"`
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	RetryMax   int           `yaml:"retry_max" mapstructure:"retry_max"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Configured reports whether all four credentials are set.
func (c SMSConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != "" && c.To != ""
}

// SMS sends the alert text through the Twilio Messages API.
type SMS struct {
	cfg    SMSConfig
	client *retryablehttp.Client
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewSMS creates the SMS channel.
func NewSMS(cfg SMSConfig) *SMS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = retryLogger{}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &SMS{cfg: cfg, client: client}
}

// Name implements Channel.
func (s *SMS) Name() string { return "sms" }

// Send implements Channel.
func (s *SMS) Send(ctx context.Context, ev collision.AccidentEvent) error {
	if !s.cfg.Configured() {
		return fmt.Errorf("%w: twilio credentials not set", ErrSkipped)
	}

	form := url.Values{}
	form.Set("From", s.cfg.From)
	form.Set("To", s.cfg.To)
	form.Set("Body", ev.Message())

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimSuffix(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.AccountSID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return err
	}
	var out twilioResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode/100 != 2 {
		if out.Message != "" {
			return fmt.Errorf("twilio %d: %s (code %d)", resp.StatusCode, out.Message, out.Code)
		}
		return fmt.Errorf("twilio: %s", resp.Status)
	}
	logger.Info("Alert", "SMS sent: %s", out.SID)
	return nil
}

// retryLogger routes retryablehttp's leveled logs to the module logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) { logger.Error("SMS", "%s %v", msg, kv) }
func (retryLogger) Info(msg string, kv ...interface{})  { logger.Debug("SMS", "%s %v", msg, kv) }
func (retryLogger) Debug(msg string, kv ...interface{}) { logger.Debug("SMS", "%s %v", msg, kv) }
func (retryLogger) Warn(msg string, kv ...interface{})  { logger.Warn("SMS", "%s %v", msg, kv) }
