package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-delivery/internal/channel"
)

func newTestClient(t *testing.T, h http.Handler, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	c, err := NewClient(cfg, srv.Client())
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}

func TestSendPostsText(t *testing.T) {
	t.Parallel()

	var got sendTextRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sendText", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"true_4915112345678@c.us_ABC"}`))
	}), Config{Session: "leads", APIKey: "secret"})

	rcpt, err := c.Send(context.Background(), channel.Message{
		To:       "+4915112345678",
		Text:     "Hallo",
		MediaURL: "https://example.com/a.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, channel.WhatsApp, rcpt.Channel)
	assert.Equal(t, "true_4915112345678@c.us_ABC", rcpt.MessageID)

	assert.Equal(t, "+4915112345678", got.ChatID)
	assert.Equal(t, "Hallo", got.Text)
	assert.Equal(t, "leads", got.Session)
	require.NotNil(t, got.Media)
	assert.Equal(t, "https://example.com/a.pdf", got.Media.URL)
}

func TestSendOmitsEmptyMedia(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.NotContains(t, raw, "media")
		assert.Equal(t, "default", raw["session"])
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}), Config{})

	_, err := c.Send(context.Background(), channel.Message{To: "+4915112345678", Text: "Hallo"})
	require.NoError(t, err)
}

func TestSendFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: `upstream down`, transient: true},
		{name: "client error", status: http.StatusBadRequest, body: `{"error":"bad chat"}`},
		{name: "missing id", status: http.StatusOK, body: `{}`},
		{name: "malformed body", status: http.StatusOK, body: `not json`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}), Config{})

			_, err := c.Send(context.Background(), channel.Message{To: "+4915112345678", Text: "x"})
			var chErr *channel.Error
			require.True(t, errors.As(err, &chErr))
			assert.Equal(t, channel.WhatsApp, chErr.Channel)
			assert.Equal(t, tt.status, chErr.StatusCode)
			assert.Equal(t, tt.transient, chErr.Transient)
		})
	}
}

func TestSendTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), Config{SendTimeout: 30 * time.Millisecond})

	_, err := c.Send(context.Background(), channel.Message{To: "+4915112345678", Text: "x"})
	var chErr *channel.Error
	require.True(t, errors.As(err, &chErr))
	assert.True(t, chErr.Transient)
	assert.Zero(t, chErr.StatusCode)
}

func TestProbe(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}), Config{})

	h := c.Probe(context.Background())
	assert.True(t, h.Healthy)
	assert.NoError(t, h.Err)

	healthy.Store(false)
	h = c.Probe(context.Background())
	assert.False(t, h.Healthy)
	assert.Error(t, h.Err)
}

func TestProbeCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	gate := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
	}), Config{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]channel.Health, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Probe(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, h := range results {
		assert.True(t, h.Healthy)
	}

	// a finished probe is never reused
	assert.True(t, c.Probe(context.Background()).Healthy)
	assert.Equal(t, int32(2), hits.Load())
}

func TestProbeTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), Config{ProbeTimeout: 30 * time.Millisecond})

	h := c.Probe(context.Background())
	assert.False(t, h.Healthy)
	assert.Error(t, h.Err)
}

func TestSessionStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions", r.URL.Path)
		_, _ = w.Write([]byte(`[{"name":"other","status":"STOPPED"},{"name":"leads","status":"WORKING"}]`))
	}), Config{Session: "leads"})

	st, err := c.SessionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionStatus{ID: "leads", Status: "WORKING"}, st)
}

func TestSessionStatusNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"other","status":"WORKING"}]`))
	}), Config{Session: "leads"})

	_, err := c.SessionStatus(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestQRCode(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\nrest")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/leads/qr", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}), Config{Session: "leads"})

	qr, err := c.QRCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "image/png", qr.ContentType)
	assert.Equal(t, png, qr.Data)
}
