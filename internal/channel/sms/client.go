// Package sms sends text messages through a Twilio-compatible carrier API.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/acme/lead-delivery/internal/channel"
)

var _ channel.Sender = (*Client)(nil)

// ErrNotConfigured is returned by Send when credentials or the sender number
// are missing.
var ErrNotConfigured = errors.New("sms: credentials not configured")

// DefaultBaseURL is the public carrier endpoint.
const DefaultBaseURL = "https://api.twilio.com"

// Config holds carrier credentials.
type Config struct {
	BaseURL     string
	AccountSID  string
	AuthToken   string
	From        string
	SendTimeout time.Duration
}

// Client posts form-encoded messages to the carrier.
type Client struct {
	base    string
	sid     string
	token   string
	from    string
	timeout time.Duration
	http    *http.Client
}

// NewClient builds a client. Missing credentials are allowed; Configured
// reports them and Send refuses to run.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = channel.DefaultSendTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:    base,
		sid:     cfg.AccountSID,
		token:   cfg.AuthToken,
		from:    cfg.From,
		timeout: cfg.SendTimeout,
		http:    httpClient,
	}
}

// Configured reports whether account sid, token and sender are present.
func (c *Client) Configured() bool {
	return c.sid != "" && c.token != "" && c.from != ""
}

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts msg to the Messages resource of the account.
func (c *Client) Send(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
	if !c.Configured() {
		return channel.Receipt{}, ErrNotConfigured
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", c.from)
	form.Set("Body", msg.Text)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.base, url.PathEscape(c.sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.Receipt{}, &channel.Error{Channel: channel.SMS, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.sid, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return channel.Receipt{}, channel.TransportError(channel.SMS, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.Receipt{}, channel.TransportError(channel.SMS, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.Receipt{}, channel.StatusError(channel.SMS, resp.StatusCode, string(body))
	}

	var out messageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return channel.Receipt{}, &channel.Error{Channel: channel.SMS, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.SID == "" {
		return channel.Receipt{}, &channel.Error{Channel: channel.SMS, StatusCode: resp.StatusCode, Err: errors.New("response carries no message sid")}
	}
	return channel.Receipt{Channel: channel.SMS, MessageID: out.SID}, nil
}
