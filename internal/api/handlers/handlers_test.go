package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-delivery/internal/channel"
	"github.com/acme/lead-delivery/internal/channel/whatsapp"
	"github.com/acme/lead-delivery/internal/compliance"
	"github.com/acme/lead-delivery/internal/delivery"
	"github.com/acme/lead-delivery/internal/phone"
	"github.com/acme/lead-delivery/internal/queue"
	"github.com/acme/lead-delivery/internal/repository"
	"github.com/acme/lead-delivery/internal/template"
	apperrors "github.com/acme/lead-delivery/pkg/errors"
)

type fakeDeliverer struct {
	res      delivery.Result
	err      error
	requests []delivery.Request
	texts    []string
}

func (f *fakeDeliverer) SendMessage(_ context.Context, req delivery.Request) (delivery.Result, error) {
	f.requests = append(f.requests, req)
	return f.res, f.err
}

func (f *fakeDeliverer) SendPrimary(_ context.Context, _, text, _ string) (delivery.Result, error) {
	f.texts = append(f.texts, "whatsapp:"+text)
	return f.res, f.err
}

func (f *fakeDeliverer) SendSecondary(_ context.Context, _, text string) (delivery.Result, error) {
	f.texts = append(f.texts, "sms:"+text)
	return f.res, f.err
}

type fakeDispatcher struct {
	msgs []queue.SendRequestMessage
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg queue.SendRequestMessage) (queue.SendRequestMessage, error) {
	if f.err != nil {
		return msg, f.err
	}
	msg.ID = uuid.New()
	msg.EnqueuedAt = time.Now().UTC()
	f.msgs = append(f.msgs, msg)
	return msg, nil
}

type fakeOptOuts struct {
	mu       sync.Mutex
	leads    map[string]bool
	statusEr error
}

func (f *fakeOptOuts) OptOutStatus(_ context.Context, canonical string) (compliance.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusEr != nil {
		return compliance.Status{}, f.statusEr
	}
	out, ok := f.leads[canonical]
	return compliance.Status{OptedOut: out, LeadExists: ok}, nil
}

func (f *fakeOptOuts) UpsertLead(_ context.Context, canonical, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leads[canonical]; !ok {
		f.leads[canonical] = false
	}
	return nil
}

func (f *fakeOptOuts) MarkOptedOut(_ context.Context, canonical string, req repository.OptOutRequest) (*repository.OptOutEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leads[canonical]; !ok {
		return nil, repository.ErrNotFound
	}
	f.leads[canonical] = true
	return &repository.OptOutEvent{ID: 1, LeadID: 7, Channel: req.Channel, KeywordUsed: req.Keyword, CreatedAt: time.Now()}, nil
}

type fakeSession struct {
	status whatsapp.SessionStatus
	err    error
}

func (f *fakeSession) SessionStatus(context.Context) (whatsapp.SessionStatus, error) {
	return f.status, f.err
}

func (f *fakeSession) QRCode(context.Context) (whatsapp.QRCode, error) {
	return whatsapp.QRCode{Data: []byte("\x89PNG"), ContentType: "image/png"}, f.err
}

type fixture struct {
	app        *fiber.App
	deliverer  *fakeDeliverer
	dispatcher *fakeDispatcher
	optOuts    *fakeOptOuts
	session    *fakeSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		deliverer:  &fakeDeliverer{},
		dispatcher: &fakeDispatcher{},
		optOuts:    &fakeOptOuts{leads: map[string]bool{}},
		session:    &fakeSession{status: whatsapp.SessionStatus{ID: "default", Status: "WORKING"}},
	}
	h := NewHandlerSet(Deps{
		Delivery:   f.deliverer,
		Dispatcher: f.dispatcher,
		Normalizer: delivery.NormalizerFunc(phone.Normalize),
		OptOuts:    f.optOuts,
		Session:    f.session,
		Catalog:    template.DefaultCatalog(),
		HealthChecks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
		},
	})
	f.app = fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(f.app)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestSendMessageSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deliverer.res = delivery.Result{Success: true, Method: channel.SMS, MessageID: "SM1", Phone: "+4915112345678"}

	resp, body := f.do(t, http.MethodPost, "/api/v1/messages", `{"phone":"0151 12345678","template":"quote_sent","variables":{"quote_url":"https://x"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sms", body["method"])
	require.Len(t, f.deliverer.requests, 1)
	assert.Equal(t, "quote_sent", f.deliverer.requests[0].TemplateKey)
	assert.Equal(t, "https://x", f.deliverer.requests[0].Variables["quote_url"])
}

func TestSendMessageFailureStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failure *delivery.Failure
		surface bool
		want    int
	}{
		{"invalid phone", &delivery.Failure{Kind: delivery.KindInvalidPhone, Reason: "too short"}, false, http.StatusBadRequest},
		{"opted out", &delivery.Failure{Kind: delivery.KindOptedOut, Reason: "opted out"}, false, http.StatusForbidden},
		{"template", &delivery.Failure{Kind: delivery.KindTemplateNotFound, Reason: "template not found"}, true, http.StatusNotFound},
		{"lookup", &delivery.Failure{Kind: delivery.KindComplianceLookup, Reason: "lookup", Cause: errors.New("db")}, true, http.StatusServiceUnavailable},
		{"limiter", &delivery.Failure{Kind: delivery.KindRateLimiterUnavailable, Reason: "limiter", Cause: errors.New("redis")}, true, http.StatusServiceUnavailable},
		{"not configured", &delivery.Failure{Kind: delivery.KindNotConfigured, Reason: "no creds"}, true, http.StatusInternalServerError},
		{"channel", &delivery.Failure{Kind: delivery.KindChannelFailure, Reason: "secondary channel failed", Cause: errors.New("503")}, true, http.StatusBadGateway},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.deliverer.res = delivery.Result{Failure: tt.failure}
			if tt.surface {
				f.deliverer.err = tt.failure
			}
			resp, body := f.do(t, http.MethodPost, "/api/v1/messages", `{"phone":"015112345678","template":"quote_sent"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, string(tt.failure.Kind), body["kind"])
		})
	}
}

func TestSendMessageRateLimitedSetsRetryAfter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deliverer.res = delivery.Result{Failure: &delivery.Failure{
		Kind:       delivery.KindRateLimited,
		Reason:     "rate limit exceeded, retry after 1500ms",
		RetryAfter: 1500 * time.Millisecond,
	}}

	resp, body := f.do(t, http.MethodPost, "/api/v1/messages", `{"phone":"015112345678","template":"quote_sent"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.EqualValues(t, 1500, body["retry_after_ms"])
}

func TestSendMessageRequiresTemplate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/messages", `{"phone":"015112345678"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "template is required", body["error"])
	assert.Empty(t, f.deliverer.requests)
}

func TestDirectChannelRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deliverer.res = delivery.Result{Success: true, Method: channel.WhatsApp, MessageID: "wa-1"}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/messages/whatsapp", `{"phone":"015112345678","text":"Hallo"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages/sms", `{"phone":"015112345678","text":"Hallo"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages/sms", `{"phone":"015112345678"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, []string{"whatsapp:Hallo", "sms:Hallo"}, f.deliverer.texts)
}

func TestEnqueueMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/messages/async", `{"phone":"0151-123 45678","template":"lead_acknowledgment","variables":{"name":"Anna"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	require.Len(t, f.dispatcher.msgs, 1)
	assert.Equal(t, "+4915112345678", f.dispatcher.msgs[0].Phone)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages/async", `{"phone":"123","template":"lead_acknowledgment"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, f.dispatcher.msgs, 1)

	f.dispatcher.err = errors.New("broker down")
	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages/async", `{"phone":"015112345678","template":"lead_acknowledgment"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/phones/normalize?phone=0049%20151%2012345678", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "+4915112345678", body["canonical"])
	assert.Equal(t, true, body["valid"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/phones/normalize?phone=abc", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
}

func TestOptOutFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/optouts", `{"phone":"015112345678","channel":"sms","keyword":"stop"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/leads", `{"phone":"015112345678","name":"Max"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/v1/optouts/%2B4915112345678", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["opted_out"])
	assert.Equal(t, true, body["lead_exists"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/optouts", `{"phone":"015112345678","channel":"sms","keyword":"stop"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "STOP", body["keyword"])
	assert.Equal(t, "sms", body["channel"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/optouts/015112345678", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["opted_out"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/optouts", `{"phone":"015112345678","channel":"fax"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOptOutLookupFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.optOuts.statusEr = errors.New("connection refused")
	resp, _ := f.do(t, http.MethodGet, "/api/v1/optouts/015112345678", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWhatsAppSessionRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/whatsapp/session", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "WORKING", body["status"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/whatsapp/qr", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	f.session.err = whatsapp.ErrSessionNotFound
	resp, _ = f.do(t, http.MethodGet, "/api/v1/whatsapp/session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.session.err = channel.StatusError(channel.WhatsApp, http.StatusBadGateway, "down")
	resp, _ = f.do(t, http.MethodGet, "/api/v1/whatsapp/qr", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestListTemplates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/templates", nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out []templateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 6)
	assert.Equal(t, "appointment_confirmation", out[0].Key)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	h := NewHandlerSet(Deps{HealthChecks: map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(time.Millisecond))
	assert.Equal(t, "60", retryAfterSeconds(time.Minute))
	assert.Equal(t, "61", retryAfterSeconds(time.Minute+time.Millisecond))
}

type fakeAttempts struct {
	day   time.Time
	limit int
	err   error
}

func (f *fakeAttempts) AppendAttempt(context.Context, repository.AttemptRecord) error { return nil }

func (f *fakeAttempts) ListAttempts(_ context.Context, canonical string, day time.Time, limit int) ([]repository.AttemptRecord, error) {
	f.day, f.limit = day, limit
	if f.err != nil {
		return nil, f.err
	}
	return []repository.AttemptRecord{{
		ID:        uuid.New(),
		Phone:     canonical,
		Operation: "send_message",
		Channel:   "whatsapp",
		Success:   true,
		Latency:   120 * time.Millisecond,
	}}, nil
}

func TestListAttempts(t *testing.T) {
	t.Parallel()

	store := &fakeAttempts{}
	h := NewHandlerSet(Deps{
		Normalizer: delivery.NormalizerFunc(phone.Normalize),
		Attempts:   store,
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/attempts/015112345678?day=2024-01-24&limit=10", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, time.Date(2024, 1, 24, 0, 0, 0, 0, time.UTC), store.day)
	assert.Equal(t, 10, store.limit)

	var out []attemptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.EqualValues(t, 120, out[0].LatencyMs)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/attempts/015112345678?day=yesterday", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAttemptsDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/v1/attempts/015112345678", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListAttemptsStoreFault(t *testing.T) {
	t.Parallel()

	store := &fakeAttempts{err: fmt.Errorf("attempt store: iter close: %w: %w", repository.ErrUnavailable, errors.New("no hosts available"))}
	h := NewHandlerSet(Deps{
		Normalizer: delivery.NormalizerFunc(phone.Normalize),
		Attempts:   store,
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/attempts/015112345678", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTranslateError(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{name: "validation", err: apperrors.Validation("text is required"), code: http.StatusBadRequest, message: "text is required"},
		{name: "not found", err: fmt.Errorf("lead: %w", repository.ErrNotFound), code: http.StatusNotFound, message: "resource not found"},
		{name: "conflict", err: repository.ErrConflict, code: http.StatusConflict, message: "conflict"},
		{name: "unavailable", err: apperrors.Unavailable("message queue unavailable", io.EOF), code: http.StatusServiceUnavailable, message: "message queue unavailable"},
		{name: "lookup", err: compliance.ErrLookupFailed, code: http.StatusServiceUnavailable, message: compliance.ErrLookupFailed.Error()},
		{name: "channel", err: channel.StatusError(channel.SMS, http.StatusInternalServerError, "x"), code: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fe *fiber.Error
			require.ErrorAs(t, translateError(tt.err), &fe)
			assert.Equal(t, tt.code, fe.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, fe.Message)
			}
		})
	}

	assert.Same(t, plain, translateError(plain))
	assert.NoError(t, translateError(nil))
}

func TestHandlerErrorsUseSharedTranslation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/messages/whatsapp", `{"phone":"015112345678"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "text is required", body["error"])

	f.dispatcher.err = errors.New("broker down")
	resp, body = f.do(t, http.MethodPost, "/api/v1/messages/async", `{"phone":"015112345678","template":"lead_acknowledgment"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "message queue unavailable", body["error"])
}
