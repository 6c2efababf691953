package channel

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
	"palantir/internal/metrics"
	"palantir/internal/realtime"
)

type Source interface {
	Subscribe(ctx context.Context, companyID int, h realtime.Handler) (realtime.Subscription, error)
}

// Listener receives the signals of one tenant channel. Callbacks run on the
// transport's delivery goroutine and must not call back into the Registry.
type Listener interface {
	OnConnected(companyID int)
	OnChange(ev domain.ChangeEvent)
	OnDisconnected(companyID int, err error)
}

// Lease guards channel ownership across process instances. lost reports a
// lease that could not be kept after Acquire returned.
type Lease interface {
	Acquire(ctx context.Context, companyID int, lost func(error)) (release func(), err error)
}

// Registry owns at most one live subscription per tenant. It never retries on
// its own: after an error the tenant stays disconnected until Subscribe is
// called again.
type Registry struct {
	source Source
	lease  Lease
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[int]*entry
}

type entry struct {
	companyID int
	listener  Listener
	state     domain.ConnectionState

	sub     realtime.Subscription
	release func()

	deliverMu sync.Mutex
	closed    atomic.Bool
	teardown  sync.Once
	stopWatch chan struct{}
}

func NewRegistry(source Source, lease Lease, clock clockwork.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		source:  source,
		lease:   lease,
		clock:   clock,
		logger:  logger,
		entries: make(map[int]*entry),
	}
}

// Subscribe opens the tenant channel unless one is already connecting or
// connected. The channel is torn down exactly once when ctx is done.
func (r *Registry) Subscribe(ctx context.Context, companyID int, listener Listener) error {
	r.mu.Lock()
	prev := r.entries[companyID]
	if prev != nil && prev.state.Status != domain.ConnectionDisconnected {
		r.mu.Unlock()
		return nil
	}
	e := &entry{
		companyID: companyID,
		listener:  listener,
		state:     domain.NewConnectionState(r.clock.Now()).Transition(domain.ConnectionConnecting, r.clock.Now()),
		stopWatch: make(chan struct{}),
	}
	if prev != nil {
		e.state.Retries = prev.state.Retries + 1
	}
	r.entries[companyID] = e
	r.mu.Unlock()

	if prev != nil {
		r.teardownEntry(prev)
	}

	logger := r.logger.With(zap.Int("companyId", companyID), zap.Int("attempt", e.state.Retries+1))
	logger.Info("opening tenant channel")

	if r.lease != nil {
		release, err := r.lease.Acquire(ctx, companyID, func(err error) {
			r.drop(e, "channel lease lost", err)
		})
		if err != nil {
			r.markDisconnected(e)
			logger.Warn("channel lease not acquired", zap.Error(err))
			return err
		}
		inner := release
		var once sync.Once
		release = func() { once.Do(inner) }
		r.mu.Lock()
		e.release = release
		r.mu.Unlock()

		// Unsubscribe may have torn the entry down before release was stored.
		if e.closed.Load() {
			release()
			logger.Info("tenant channel closed while opening")
			return apperrors.NewChannelError(companyID, "channel closed while opening", nil)
		}
	}

	sub, err := r.source.Subscribe(ctx, companyID, &handler{registry: r, entry: e})
	if err != nil {
		r.markDisconnected(e)
		r.teardownEntry(e)
		logger.Warn("opening tenant channel failed", zap.Error(err))
		if _, ok := apperrors.IsChannelError(err); ok {
			return err
		}
		return apperrors.NewChannelError(companyID, "subscribe failed", err)
	}

	r.mu.Lock()
	e.sub = sub
	r.mu.Unlock()

	// An error may have torn the entry down before the handle was stored.
	if e.closed.Load() {
		sub.Close()
	}

	go func() {
		select {
		case <-ctx.Done():
			r.unsubscribeEntry(e)
		case <-e.stopWatch:
		}
	}()

	return nil
}

// Unsubscribe tears down the tenant channel and forgets its status. When it
// returns no further listener callback will run. Safe when nothing is subscribed.
func (r *Registry) Unsubscribe(companyID int) {
	r.mu.Lock()
	e := r.entries[companyID]
	r.mu.Unlock()
	if e == nil {
		return
	}
	r.unsubscribeEntry(e)
}

func (r *Registry) unsubscribeEntry(e *entry) {
	r.mu.Lock()
	if r.entries[e.companyID] == e {
		delete(r.entries, e.companyID)
		metrics.ChannelStatus.DeleteLabelValues(strconv.Itoa(e.companyID))
	}
	r.mu.Unlock()

	r.teardownEntry(e)

	// Wait out a callback that was already running.
	e.deliverMu.Lock()
	e.deliverMu.Unlock()

	r.logger.Info("tenant channel closed", zap.Int("companyId", e.companyID))
}

// Close tears down every tenant channel.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unsubscribe(id)
	}
}

func (r *Registry) Status(companyID int) domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[companyID]; ok {
		return e.state
	}
	return domain.ConnectionState{Status: domain.ConnectionDisconnected}
}

func (r *Registry) teardownEntry(e *entry) {
	e.teardown.Do(func() {
		e.closed.Store(true)
		close(e.stopWatch)

		r.mu.Lock()
		sub, release := e.sub, e.release
		r.mu.Unlock()

		if sub != nil {
			if err := sub.Close(); err != nil {
				r.logger.Warn("closing subscription", zap.Int("companyId", e.companyID), zap.Error(err))
			}
		}
		if release != nil {
			release()
		}
	})
}

func (r *Registry) setStatus(e *entry, status domain.ConnectionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.companyID] != e || e.state.Status == status {
		return false
	}
	e.state = e.state.Transition(status, r.clock.Now())
	if status == domain.ConnectionConnected {
		e.state.Retries = 0
		metrics.ChannelStatus.WithLabelValues(strconv.Itoa(e.companyID)).Set(1)
	} else {
		metrics.ChannelStatus.WithLabelValues(strconv.Itoa(e.companyID)).Set(0)
	}
	return true
}

func (r *Registry) markDisconnected(e *entry) {
	r.setStatus(e, domain.ConnectionDisconnected)
}

// handler binds transport callbacks to one entry; a torn-down entry drops them.
type handler struct {
	registry *Registry
	entry    *entry
}

func (h *handler) OnSubscribed() {
	e := h.entry
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if e.closed.Load() {
		return
	}
	if !h.registry.setStatus(e, domain.ConnectionConnected) {
		return
	}
	h.registry.logger.Info("tenant channel connected", zap.Int("companyId", e.companyID))
	e.listener.OnConnected(e.companyID)
}

func (h *handler) OnChange(ev domain.ChangeEvent) {
	e := h.entry
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if e.closed.Load() {
		return
	}
	e.listener.OnChange(ev)
}

func (h *handler) OnError(err error) {
	h.registry.drop(h.entry, "tenant channel dropped", err)
}

// drop disconnects a live entry and tells its listener, once.
func (r *Registry) drop(e *entry, msg string, err error) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if e.closed.Load() {
		return
	}
	r.markDisconnected(e)
	r.teardownEntry(e)
	r.logger.Warn(msg, zap.Int("companyId", e.companyID), zap.Error(err))
	e.listener.OnDisconnected(e.companyID, err)
}
