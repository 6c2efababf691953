package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"palantir/internal/config"
	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
	"palantir/internal/gateway"
)

type mockChecker struct {
	GetConnectionStateFunc func(ctx context.Context, instance string) (gateway.SessionState, error)
}

func (m *mockChecker) GetConnectionState(ctx context.Context, instance string) (gateway.SessionState, error) {
	return m.GetConnectionStateFunc(ctx, instance)
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		BaseInterval:      30 * time.Second,
		MaxInterval:       5 * time.Minute,
		QuiescentInterval: 15 * time.Minute,
		QuiescentAfter:    5,
		CheckTimeout:      time.Second,
	}
}

func unreachable(ctx context.Context, instance string) (gateway.SessionState, error) {
	return "", apperrors.NewGatewayUnreachableError(instance, context.DeadlineExceeded)
}

func TestPolicy_NextInterval(t *testing.T) {
	p := PolicyFromConfig(testConfig())

	tests := []struct {
		failures int
		expected time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{5, 15 * time.Minute},
		{40, 15 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.NextInterval(tt.failures), "failures=%d", tt.failures)
	}
}

func TestPolicy_NextIntervalNeverBelowDoubling(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Hour, Quiescent: 2 * time.Hour, QuiescentAfter: 10}
	for failures := 1; failures < 10; failures++ {
		want := time.Second << failures
		if want > time.Hour {
			want = time.Hour
		}
		assert.GreaterOrEqual(t, p.NextInterval(failures), want)
	}
}

func TestMonitor_CheckOutcomes(t *testing.T) {
	state := gateway.StateOpen
	var err error
	checker := &mockChecker{
		GetConnectionStateFunc: func(ctx context.Context, instance string) (gateway.SessionState, error) {
			assert.Equal(t, "loja", instance)
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return state, err
		},
	}
	var changes []domain.ConnectionState
	m := NewMonitor("loja", checker, testConfig(), clockwork.NewFakeClock(), zap.NewNop(), func(s domain.ConnectionState) {
		changes = append(changes, s)
	})

	require.True(t, m.Check(context.Background()))
	assert.Equal(t, domain.ConnectionConnected, m.State().Status)
	assert.Equal(t, 0, m.Failures())

	state = gateway.StateConnecting
	m.Check(context.Background())
	assert.Equal(t, domain.ConnectionConnecting, m.State().Status)
	assert.Equal(t, 30*time.Second, m.NextInterval())

	state = gateway.StateClosed
	m.Check(context.Background())
	assert.Equal(t, domain.ConnectionDisconnected, m.State().Status)
	assert.Equal(t, 1, m.Failures())

	state, err = "", apperrors.NewGatewayUnreachableError("loja", nil)
	m.Check(context.Background())
	m.Check(context.Background())
	assert.Equal(t, 3, m.Failures())
	assert.Equal(t, 3, m.State().Retries)
	assert.GreaterOrEqual(t, m.NextInterval(), 4*time.Minute)

	state, err = gateway.StateOpen, nil
	m.Check(context.Background())
	assert.Equal(t, 0, m.Failures())
	assert.Equal(t, 30*time.Second, m.NextInterval())

	require.NotEmpty(t, changes)
	assert.Equal(t, domain.ConnectionConnected, changes[len(changes)-1].Status)
}

func TestMonitor_NotFoundIsFailure(t *testing.T) {
	checker := &mockChecker{
		GetConnectionStateFunc: func(ctx context.Context, instance string) (gateway.SessionState, error) {
			return gateway.StateNotFound, nil
		},
	}
	m := NewMonitor("loja", checker, testConfig(), clockwork.NewFakeClock(), zap.NewNop(), nil)

	m.Check(context.Background())

	assert.Equal(t, domain.ConnectionDisconnected, m.State().Status)
	assert.Equal(t, 1, m.Failures())
}

func TestMonitor_TimeoutIsFailure(t *testing.T) {
	checker := &mockChecker{
		GetConnectionStateFunc: func(ctx context.Context, instance string) (gateway.SessionState, error) {
			<-ctx.Done()
			return "", apperrors.NewGatewayUnreachableError(instance, ctx.Err())
		},
	}
	cfg := testConfig()
	cfg.CheckTimeout = 20 * time.Millisecond
	m := NewMonitor("loja", checker, cfg, clockwork.NewFakeClock(), zap.NewNop(), nil)

	m.Check(context.Background())

	assert.Equal(t, 1, m.Failures())
}

func TestMonitor_SkipsWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	checker := &mockChecker{
		GetConnectionStateFunc: func(ctx context.Context, instance string) (gateway.SessionState, error) {
			calls++
			close(entered)
			<-release
			return gateway.StateOpen, nil
		},
	}
	m := NewMonitor("loja", checker, testConfig(), clockwork.NewFakeClock(), zap.NewNop(), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Check(context.Background())
	}()
	<-entered

	assert.False(t, m.Check(context.Background()))

	close(release)
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestMonitor_ReconnectResetsFailures(t *testing.T) {
	m := NewMonitor("loja", &mockChecker{GetConnectionStateFunc: unreachable}, testConfig(), clockwork.NewFakeClock(), zap.NewNop(), nil)
	for i := 0; i < 6; i++ {
		m.Check(context.Background())
	}
	require.Equal(t, 15*time.Minute, m.NextInterval())

	m.Reconnect()

	assert.Equal(t, 0, m.Failures())
	assert.Equal(t, 30*time.Second, m.NextInterval())
}

func TestMonitor_RunFollowsBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := make(chan struct{}, 10)
	checker := &mockChecker{
		GetConnectionStateFunc: func(ctx context.Context, instance string) (gateway.SessionState, error) {
			calls <- struct{}{}
			return unreachable(ctx, instance)
		},
	}
	m := NewMonitor("loja", checker, testConfig(), clock, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	<-calls
	clock.BlockUntil(1)

	// One failure: next check after 2 × base.
	clock.Advance(time.Minute - time.Second)
	select {
	case <-calls:
		t.Fatal("checked before backoff elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected second check")
	}
	clock.BlockUntil(1)
	assert.Equal(t, 2*time.Minute, m.NextInterval())
}

func TestMonitor_RunReconnectForcesCheck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := make(chan struct{}, 10)
	checker := &mockChecker{
		GetConnectionStateFunc: func(ctx context.Context, instance string) (gateway.SessionState, error) {
			calls <- struct{}{}
			return unreachable(ctx, instance)
		},
	}
	m := NewMonitor("loja", checker, testConfig(), clock, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	<-calls
	clock.BlockUntil(1)

	m.Reconnect()

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected out-of-cycle check")
	}
}
