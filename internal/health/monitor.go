package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"palantir/internal/config"
	"palantir/internal/domain"
	"palantir/internal/gateway"
	"palantir/internal/metrics"
)

type Checker interface {
	GetConnectionState(ctx context.Context, instance string) (gateway.SessionState, error)
}

// Policy decides how long to wait before the next check.
type Policy struct {
	Base           time.Duration
	Max            time.Duration
	Quiescent      time.Duration
	QuiescentAfter int
}

func PolicyFromConfig(cfg config.HealthConfig) Policy {
	return Policy{
		Base:           cfg.BaseInterval,
		Max:            cfg.MaxInterval,
		Quiescent:      cfg.QuiescentInterval,
		QuiescentAfter: cfg.QuiescentAfter,
	}
}

// NextInterval doubles per consecutive failure up to Max, and switches to
// the Quiescent interval once QuiescentAfter failures have piled up.
func (p Policy) NextInterval(failures int) time.Duration {
	if failures <= 0 {
		return p.Base
	}
	if p.QuiescentAfter > 0 && failures >= p.QuiescentAfter {
		return p.Quiescent
	}
	interval := p.Base
	for i := 0; i < failures; i++ {
		interval *= 2
		if interval >= p.Max {
			return p.Max
		}
	}
	return interval
}

// Monitor polls the messaging gateway for one tenant instance.
type Monitor struct {
	instance string
	checker  Checker
	policy   Policy
	timeout  time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
	onChange func(domain.ConnectionState)

	inFlight atomic.Bool
	kick     chan struct{}

	mu       sync.Mutex
	state    domain.ConnectionState
	failures int
}

func NewMonitor(
	instance string,
	checker Checker,
	cfg config.HealthConfig,
	clock clockwork.Clock,
	logger *zap.Logger,
	onChange func(domain.ConnectionState),
) *Monitor {
	return &Monitor{
		instance: instance,
		checker:  checker,
		policy:   PolicyFromConfig(cfg),
		timeout:  cfg.CheckTimeout,
		clock:    clock,
		logger:   logger.With(zap.String("instance", instance)),
		onChange: onChange,
		kick:     make(chan struct{}, 1),
		state:    domain.NewConnectionState(clock.Now()),
	}
}

// Run checks immediately, then on the adaptive schedule until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		m.Check(ctx)

		timer := m.clock.NewTimer(m.NextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

// Check runs one health check. It returns false without checking when
// another check is still in flight.
func (m *Monitor) Check(ctx context.Context) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		metrics.HealthChecksTotal.WithLabelValues("skipped").Inc()
		m.logger.Debug("health check already in flight, skipping")
		return false
	}
	defer m.inFlight.Store(false)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	state, err := m.checker.GetConnectionState(ctx, m.instance)
	m.record(state, err)
	return true
}

// Reconnect clears the failure count and forces an out-of-cycle check.
func (m *Monitor) Reconnect() {
	m.mu.Lock()
	m.failures = 0
	m.state = m.state.WithRetries(0)
	m.mu.Unlock()

	m.logger.Info("messaging reconnect requested")
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Monitor) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) NextInterval() time.Duration {
	return m.policy.NextInterval(m.Failures())
}

func (m *Monitor) record(state gateway.SessionState, err error) {
	status := domain.ConnectionDisconnected
	outcome := "unreachable"
	if err == nil {
		status = state.ConnectionStatus()
		outcome = string(status)
	}
	metrics.HealthChecksTotal.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	if status == domain.ConnectionDisconnected {
		m.failures++
	} else {
		m.failures = 0
	}
	prev := m.state
	m.state = m.state.Transition(status, m.clock.Now()).WithRetries(m.failures)
	next, failures := m.state, m.failures
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("messaging gateway unreachable",
			zap.Error(err), zap.Int("failures", failures), zap.Duration("nextCheck", m.policy.NextInterval(failures)))
	} else if status == domain.ConnectionDisconnected {
		m.logger.Warn("messaging session not open",
			zap.String("state", string(state)), zap.Int("failures", failures), zap.Duration("nextCheck", m.policy.NextInterval(failures)))
	}

	if next != prev {
		if prev.Status != next.Status {
			m.logger.Info("messaging connection changed", zap.String("from", string(prev.Status)), zap.String("to", string(next.Status)))
		}
		if m.onChange != nil {
			m.onChange(next)
		}
	}
}
