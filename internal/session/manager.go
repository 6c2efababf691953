package session

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"palantir/internal/alert"
	"palantir/internal/config"
	"palantir/internal/domain"
	"palantir/internal/health"
	"palantir/internal/order/stream"
)

type CompanyConfigRepository interface {
	FindByCompanyID(ctx context.Context, companyID int) (*domain.CompanyConfig, error)
}

// Dependencies are shared by every tenant session in the process.
type Dependencies struct {
	Channel   Channel
	Companies CompanyConfigRepository
	Orders    stream.OrderStore
	Alerts    alert.Store
	Changer   StatusChanger
	Gateway   health.Checker
	Printer   Printer
	Health    config.HealthConfig
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Manager holds at most one session per tenant.
type Manager struct {
	deps Dependencies

	mu       sync.Mutex
	sessions map[int]*Session
}

func NewManager(deps Dependencies) *Manager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Manager{deps: deps, sessions: make(map[int]*Session)}
}

// Open returns the tenant session, creating it on first use. For an existing
// session it retries the live channel if that is down. A channel error is
// returned alongside a usable session.
func (m *Manager) Open(ctx context.Context, companyID int) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[companyID]; ok {
		m.mu.Unlock()
		return s, s.Reconnect()
	}
	m.mu.Unlock()

	cfg, err := m.deps.Companies.FindByCompanyID(ctx, companyID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s, ok := m.sessions[companyID]; ok {
		m.mu.Unlock()
		return s, s.Reconnect()
	}
	s := m.newSession(*cfg)
	m.sessions[companyID] = s
	m.mu.Unlock()

	s.logger.Info("session opened", zap.String("messagingInstance", cfg.MessagingInstance))
	return s, s.start()
}

func (m *Manager) newSession(cfg domain.CompanyConfig) *Session {
	logger := m.deps.Logger.With(zap.Int("companyId", cfg.CompanyID))
	ctx, cancel := context.WithCancel(context.Background())

	feed := alert.NewFeed(cfg.CompanyID, m.deps.Alerts, m.deps.Clock, m.deps.Logger)
	s := &Session{
		companyID: cfg.CompanyID,
		config:    cfg,
		channel:   m.deps.Channel,
		orders:    stream.NewReconciler(cfg.CompanyID, m.deps.Orders, m.deps.Clock, m.deps.Logger),
		alerts:    feed,
		health:    health.NewMonitor(cfg.MessagingInstance, m.deps.Gateway, m.deps.Health, m.deps.Clock, logger, feed.SetConnection),
		changer:   m.deps.Changer,
		printer:   m.deps.Printer,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	return s
}

func (m *Manager) Get(companyID int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[companyID]
	return s, ok
}

// Close ends the tenant session. It reports whether one was open.
func (m *Manager) Close(companyID int) bool {
	m.mu.Lock()
	s, ok := m.sessions[companyID]
	delete(m.sessions, companyID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[int]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}
