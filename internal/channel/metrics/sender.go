// Package metrics decorates channel senders with Prometheus instrumentation.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acme/lead-delivery/internal/channel"
)

const (
	median = 0.5
	p90    = 0.9
	p99    = 0.99

	medianError = 0.05
	p90Error    = 0.01
	p99Error    = 0.001

	maxAgeDuration = 5 * time.Minute
)

const (
	statusSent   = "sent"
	statusFailed = "failed"
)

// Collector owns the send metrics. One collector serves every channel.
type Collector struct {
	sendDuration *prometheus.SummaryVec
	sendTotal    *prometheus.CounterVec
	statusTotal  *prometheus.CounterVec
}

// NewCollector registers the send metrics on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		sendDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "delivery_channel_send_duration_seconds",
			Help: "Channel send latency in seconds.",
			Objectives: map[float64]float64{
				median: medianError,
				p90:    p90Error,
				p99:    p99Error,
			},
			MaxAge: maxAgeDuration,
		}, []string{"channel", "status"}),
		sendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_channel_send_total",
			Help: "Channel send attempts.",
		}, []string{"channel"}),
		statusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_channel_send_status_total",
			Help: "Channel send results by status.",
		}, []string{"channel", "status"}),
	}
	for _, col := range []prometheus.Collector{c.sendDuration, c.sendTotal, c.statusTotal} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Wrap returns s instrumented under the ch label.
func (c *Collector) Wrap(ch channel.Channel, s channel.Sender) *Sender {
	return &Sender{next: s, ch: ch, c: c}
}

// Sender records count, status and latency of every send.
type Sender struct {
	next channel.Sender
	ch   channel.Channel
	c    *Collector
}

func (s *Sender) Send(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
	start := time.Now()
	s.c.sendTotal.WithLabelValues(s.ch.String()).Inc()

	rcpt, err := s.next.Send(ctx, msg)

	status := statusSent
	if err != nil {
		status = statusFailed
	}
	s.c.statusTotal.WithLabelValues(s.ch.String(), status).Inc()
	s.c.sendDuration.WithLabelValues(s.ch.String(), status).Observe(time.Since(start).Seconds())
	return rcpt, err
}
