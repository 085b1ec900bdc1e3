package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"time"
)

var nonDigits = regexp.MustCompile(`\D`)

// NormalizeMobile validates a Philippine mobile number and returns it in
// the 09xxxxxxxxx form.
func NormalizeMobile(number string) (string, bool) {
	cleaned := nonDigits.ReplaceAllString(number, "")
	switch {
	case len(cleaned) == 11 && cleaned[:2] == "09":
		return cleaned, true
	case len(cleaned) == 10 && cleaned[:1] == "9":
		return "0" + cleaned, true
	}
	return "", false
}

// SMSGateway calls an HTTP SMS relay (e.g. a phone running an SMS bridge
// on the school LAN). With Skip set it logs the message instead, for
// development.
type SMSGateway struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Skip    bool
}

// NewSMSGateway creates a client with a bounded request timeout.
func NewSMSGateway(baseURL, apiKey string, skip bool) *SMSGateway {
	return &SMSGateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send posts one message to the gateway.
func (c *SMSGateway) Send(ctx context.Context, number, message string) error {
	if c.Skip {
		log.Printf("sms skipped (dev mode): to=%s message=%q", number, message)
		return nil
	}
	if number == "" {
		return fmt.Errorf("mobile number required")
	}

	body, _ := json.Marshal(map[string]string{"number": number, "message": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sms gateway error %s: %s", resp.Status, string(respBody))
	}
	return nil
}

// Health checks if the gateway is reachable.
func (c *SMSGateway) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway unhealthy: %s", resp.Status)
	}
	return nil
}
