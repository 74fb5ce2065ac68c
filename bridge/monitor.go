package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/metrics"
)

// DefaultHealthInterval is how often the monitor polls the add-on.
const DefaultHealthInterval = 5 * time.Second

const healthTimeout = time.Second

// Monitor polls the add-on and tracks whether it is reachable.
type Monitor struct {
	client   *Client
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onChange func(online bool)

	online  atomic.Bool
	checked atomic.Bool
}

// NewMonitor creates a monitor for client. onChange, if set, is called on
// every transition including the first check.
func NewMonitor(client *Client, interval time.Duration, logger *zap.Logger, m *metrics.Metrics, onChange func(online bool)) *Monitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		client:   client,
		interval: interval,
		logger:   logger.Named("bridge_monitor"),
		metrics:  m,
		onChange: onChange,
	}
}

// Online reports the result of the most recent check.
func (m *Monitor) Online() bool { return m.online.Load() }

// Check polls once and returns the current state.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	err := m.client.Health(ctx)
	online := err == nil
	m.metrics.SetBridgeOnline(online)

	prev := m.online.Swap(online)
	first := !m.checked.Swap(true)
	if first || prev != online {
		if online {
			m.logger.Info("blender bridge online", zap.String("url", m.client.BaseURL()))
		} else {
			m.logger.Warn("blender bridge offline", zap.String("url", m.client.BaseURL()), zap.Error(err))
		}
		if m.onChange != nil {
			m.onChange(online)
		}
	}
	return online
}

// Run polls until ctx is done. It always returns nil so it can run in an
// errgroup next to servers.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
