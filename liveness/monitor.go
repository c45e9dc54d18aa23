// Package liveness evicts sessions that stop answering pings.
//
// Each sweep clears every session's alive flag and pings it; a pong sets the
// flag again. A session still flagged dead at the next sweep is closed, so a
// silent peer is gone within two intervals and one missed pong is tolerated.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"codee-relay/domain"
	"codee-relay/metrics"
)

const DefaultInterval = 30 * time.Second

// Registry is the part of the room registry the monitor needs.
type Registry interface {
	Sessions() []domain.Connection
	Leave(conn domain.Connection)
}

type Monitor struct {
	registry Registry
	interval time.Duration
	metrics  *metrics.Metrics
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

func New(r Registry, opts ...Option) *Monitor {
	m := &Monitor{registry: r, interval: DefaultInterval}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one ping-and-evict pass and returns how many sessions were
// evicted.
func (m *Monitor) Sweep() int {
	evicted := 0
	for _, conn := range m.registry.Sessions() {
		if !conn.Alive() {
			slog.Info("liveness timeout", "room", conn.Room(), "clientId", conn.ID())
			m.registry.Leave(conn)
			conn.Close()
			m.metrics.Evicted()
			evicted++
			continue
		}

		conn.SetAlive(false)
		if err := conn.Ping(); err != nil {
			slog.Debug("ping failed", "room", conn.Room(), "clientId", conn.ID(), "error", err)
		}
	}
	return evicted
}
