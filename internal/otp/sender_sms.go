package otp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SMSConfig configures a Twilio-compatible messaging REST endpoint.
type SMSConfig struct {
	APIURL     string
	AccountSID string
	AuthToken  string
	From       string
}

// HTTPSMSSender posts messages as form data with basic auth.
type HTTPSMSSender struct {
	cfg    SMSConfig
	client *http.Client
}

func NewHTTPSMSSender(cfg SMSConfig, client *http.Client) *HTTPSMSSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSMSSender{cfg: cfg, client: client}
}

func (s *HTTPSMSSender) Send(ctx context.Context, msg Message) error {
	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", s.cfg.From)
	form.Set("Body", msg.Body)

	endpoint := strings.ReplaceAll(s.cfg.APIURL, "{AccountSid}", url.PathEscape(s.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
