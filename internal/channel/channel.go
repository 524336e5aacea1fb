// Package channel defines the outbound messaging ports shared by the
// WhatsApp and SMS clients.
package channel

import (
	"context"
	"fmt"
	"time"
)

// Channel names a delivery medium.
type Channel string

const (
	WhatsApp Channel = "whatsapp"
	SMS      Channel = "sms"
)

func (c Channel) String() string { return string(c) }

const (
	// DefaultSendTimeout bounds a single send request.
	DefaultSendTimeout = 10 * time.Second
	// DefaultProbeTimeout bounds a single health probe.
	DefaultProbeTimeout = 5 * time.Second
)

// Message is one outbound text addressed to a canonical number.
type Message struct {
	To       string
	Text     string
	MediaURL string
}

// Receipt is the provider acknowledgement of an accepted message.
type Receipt struct {
	Channel   Channel
	MessageID string
}

// Sender delivers a message over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Health is the result of a liveness probe.
type Health struct {
	Healthy bool
	Err     error
}

// Prober reports whether a channel is currently reachable.
type Prober interface {
	Probe(ctx context.Context) Health
}

// Error describes a failed send. StatusCode is zero when no HTTP response
// was received.
type Error struct {
	Channel    Channel
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError builds an Error for a non-2xx response. 5xx and 429 count as
// transient.
func StatusError(ch Channel, code int, body string) *Error {
	return &Error{
		Channel:    ch,
		StatusCode: code,
		Transient:  code >= 500 || code == 429,
		Err:        fmt.Errorf("unexpected response: %s", truncate(body, 256)),
	}
}

// TransportError builds an Error for a request that never produced a
// response.
func TransportError(ch Channel, err error) *Error {
	return &Error{Channel: ch, Transient: true, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
