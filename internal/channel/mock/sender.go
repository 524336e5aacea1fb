// Package mock simulates a delivery channel for local runs without gateway
// or carrier credentials.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-delivery/internal/channel"
)

// Config tunes the simulation.
type Config struct {
	SuccessRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Seed        int64
}

// Sender accepts messages with a configurable success rate and latency.
type Sender struct {
	ch          channel.Channel
	successRate float64
	minLatency  time.Duration
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSender builds a simulated sender for ch. A zero seed seeds from the clock.
func NewSender(ch channel.Channel, cfg Config) *Sender {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Sender{
		ch:          ch,
		successRate: cfg.SuccessRate,
		minLatency:  cfg.MinLatency,
		maxLatency:  cfg.MaxLatency,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Send waits the simulated latency and then accepts or rejects msg.
func (s *Sender) Send(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
	latency, ok := s.roll()

	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return channel.Receipt{}, channel.TransportError(s.ch, ctx.Err())
	case <-t.C:
	}

	if !ok {
		return channel.Receipt{}, channel.StatusError(s.ch, 503, fmt.Sprintf("simulated failure for %s", msg.To))
	}
	return channel.Receipt{Channel: s.ch, MessageID: s.ch.String() + "-" + uuid.NewString()}, nil
}

// Probe always reports healthy.
func (s *Sender) Probe(context.Context) channel.Health {
	return channel.Health{Healthy: true}
}

func (s *Sender) roll() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latency := s.minLatency
	if spread := s.maxLatency - s.minLatency; spread > 0 {
		latency += time.Duration(s.rng.Int63n(int64(spread)))
	}
	return latency, s.rng.Float64() < s.successRate
}
