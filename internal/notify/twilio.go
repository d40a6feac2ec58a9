// Package notify sends SMS and ends calls through the Twilio REST API.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the Twilio REST API endpoint.
const DefaultBaseURL = "https://api.twilio.com"

// TwilioClient talks to the Twilio REST API for one account. It covers
// the two operations the gateway needs: outbound SMS and hangup.
type TwilioClient struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*TwilioClient)

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(baseURL string) Option {
	return func(c *TwilioClient) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *TwilioClient) {
		c.httpClient = client
	}
}

// NewTwilio creates a client. The from number is used for all outbound SMS.
func NewTwilio(accountSID, authToken, from string, opts ...Option) (*TwilioClient, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("notify: twilio credentials are required")
	}
	if from == "" {
		return nil, fmt.Errorf("notify: from number is required")
	}
	c := &TwilioClient{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendSMS delivers one text message.
func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) error {
	if to == "" {
		return fmt.Errorf("notify: recipient is required")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	return c.post(ctx, endpoint, form)
}

// EndCall hangs an active call up by completing it.
func (c *TwilioClient) EndCall(callSid string) error {
	if callSid == "" {
		return fmt.Errorf("notify: call sid is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSid)
	return c.post(ctx, endpoint, form)
}

func (c *TwilioClient) post(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
