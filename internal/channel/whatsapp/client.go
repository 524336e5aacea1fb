// Package whatsapp talks to a self-hosted WhatsApp HTTP gateway.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/acme/lead-delivery/internal/channel"
)

var (
	_ channel.Sender = (*Client)(nil)
	_ channel.Prober = (*Client)(nil)

	// ErrSessionNotFound is returned when the gateway does not list the
	// configured session.
	ErrSessionNotFound = errors.New("whatsapp: session not found")
)

const maxBody = 1 << 20

// Config holds gateway connection settings.
type Config struct {
	BaseURL      string
	Session      string
	APIKey       string
	SendTimeout  time.Duration
	ProbeTimeout time.Duration
}

// Client sends texts through the gateway and probes its health.
type Client struct {
	base         string
	session      string
	apiKey       string
	sendTimeout  time.Duration
	probeTimeout time.Duration
	http         *http.Client
	probes       singleflight.Group
}

// NewClient validates cfg and builds a client. A nil httpClient uses a
// default client without its own timeout; every request carries a deadline.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("whatsapp: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("whatsapp: invalid base url: %w", err)
	}
	if cfg.Session == "" {
		cfg.Session = "default"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = channel.DefaultSendTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = channel.DefaultProbeTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:         base,
		session:      cfg.Session,
		apiKey:       cfg.APIKey,
		sendTimeout:  cfg.SendTimeout,
		probeTimeout: cfg.ProbeTimeout,
		http:         httpClient,
	}, nil
}

type sendTextRequest struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
	Media   *media `json:"media,omitempty"`
}

type media struct {
	URL string `json:"url"`
}

type sendTextResponse struct {
	ID string `json:"id"`
}

// Send posts msg to /api/sendText. The gateway must answer 2xx with an id.
func (c *Client) Send(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
	payload := sendTextRequest{ChatID: msg.To, Text: msg.Text, Session: c.session}
	if msg.MediaURL != "" {
		payload.Media = &media{URL: msg.MediaURL}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return channel.Receipt{}, &channel.Error{Channel: channel.WhatsApp, Err: fmt.Errorf("marshal request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/sendText", bytes.NewReader(body))
	if err != nil {
		return channel.Receipt{}, &channel.Error{Channel: channel.WhatsApp, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return channel.Receipt{}, channel.TransportError(channel.WhatsApp, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return channel.Receipt{}, channel.TransportError(channel.WhatsApp, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.Receipt{}, channel.StatusError(channel.WhatsApp, resp.StatusCode, string(respBody))
	}

	var out sendTextResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return channel.Receipt{}, &channel.Error{Channel: channel.WhatsApp, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return channel.Receipt{}, &channel.Error{Channel: channel.WhatsApp, StatusCode: resp.StatusCode, Err: errors.New("response carries no message id")}
	}
	return channel.Receipt{Channel: channel.WhatsApp, MessageID: out.ID}, nil
}

// Probe checks GET /health. Concurrent probes share one request; a probe is
// never answered from an earlier, finished request.
func (c *Client) Probe(ctx context.Context) channel.Health {
	ch := c.probes.DoChan("health", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
		defer cancel()
		return nil, c.health(pctx)
	})
	select {
	case <-ctx.Done():
		return channel.Health{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return channel.Health{Err: res.Err}
		}
		return channel.Health{Healthy: true}
	}
}

func (c *Client) health(ctx context.Context) error {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp: health returned %d", resp.StatusCode)
	}
	return nil
}

// SessionStatus is the gateway view of the configured session.
type SessionStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type sessionEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SessionStatus looks up the configured session in GET /api/sessions.
func (c *Client) SessionStatus(ctx context.Context) (SessionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/api/sessions")
	if err != nil {
		return SessionStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		return SessionStatus{}, channel.StatusError(channel.WhatsApp, resp.StatusCode, string(body))
	}

	var sessions []sessionEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&sessions); err != nil {
		return SessionStatus{}, fmt.Errorf("whatsapp: decode sessions: %w", err)
	}
	for _, s := range sessions {
		if s.ID == c.session || s.Name == c.session {
			return SessionStatus{ID: c.session, Status: s.Status}, nil
		}
	}
	return SessionStatus{}, ErrSessionNotFound
}

// QRCode is the pairing image served by the gateway.
type QRCode struct {
	Data        []byte
	ContentType string
}

// QRCode fetches the pairing code of the configured session.
func (c *Client) QRCode(ctx context.Context) (QRCode, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/api/sessions/"+url.PathEscape(c.session)+"/qr")
	if err != nil {
		return QRCode{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return QRCode{}, channel.TransportError(channel.WhatsApp, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return QRCode{}, channel.StatusError(channel.WhatsApp, resp.StatusCode, string(data))
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return QRCode{Data: data, ContentType: ct}, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: build request: %w", err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, channel.TransportError(channel.WhatsApp, err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}
