package alert

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
	"palantir/internal/metrics"
)

type Store interface {
	ListByCompany(ctx context.Context, companyID int) ([]domain.Alert, error)
	MarkRead(ctx context.Context, companyID int, id string) error
	Delete(ctx context.Context, companyID int, id string) error
}

// Feed is one tenant's alert queue, newest first and unique by id. Dismissed
// ids stay dismissed for the life of the feed.
type Feed struct {
	companyID int
	store     Store
	clock     clockwork.Clock
	logger    *zap.Logger

	mu         sync.RWMutex
	alerts     []domain.Alert
	index      map[string]int
	tombstones map[string]struct{}
	conn       domain.ConnectionState
}

func NewFeed(companyID int, store Store, clock clockwork.Clock, logger *zap.Logger) *Feed {
	return &Feed{
		companyID:  companyID,
		store:      store,
		clock:      clock,
		logger:     logger.With(zap.Int("companyId", companyID)),
		index:      make(map[string]int),
		tombstones: make(map[string]struct{}),
		conn:       domain.NewConnectionState(clock.Now()),
	}
}

// Load merges the stored alerts into the feed without clearing it.
func (f *Feed) Load(ctx context.Context) error {
	alerts, err := f.store.ListByCompany(ctx, f.companyID)
	if err != nil {
		f.logger.Warn("loading alerts", zap.Error(err))
		return err
	}
	f.Merge(alerts)
	return nil
}

func (f *Feed) Merge(alerts []domain.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	added := 0
	for _, a := range alerts {
		if f.mergeLocked(a) {
			added++
		}
	}
	f.sortLocked()
	if added > 0 {
		f.logger.Debug("alerts merged", zap.Int("added", added))
	}
}

// Add inserts or refreshes one alert. It reports whether the alert is new.
func (f *Feed) Add(a domain.Alert) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	added := f.mergeLocked(a)
	f.sortLocked()
	if added {
		metrics.AlertsReceivedTotal.Inc()
	}
	return added
}

// ApplyEvent applies a live change from the alerts table.
func (f *Feed) ApplyEvent(ev domain.ChangeEvent) {
	if ev.Table != domain.TableAlerts {
		return
	}
	switch ev.Op {
	case domain.ChangeInsert, domain.ChangeUpdate:
		var a domain.Alert
		if err := json.Unmarshal(ev.Record, &a); err != nil {
			f.reject(apperrors.NewDataIntegrityError("alert", "", "malformed payload: "+err.Error()))
			return
		}
		f.Add(a)
	case domain.ChangeDelete:
		var key struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(ev.OldRecord, &key); err != nil || key.ID == "" {
			f.reject(apperrors.NewDataIntegrityError("alert", "", "delete event without id"))
			return
		}
		f.mu.Lock()
		f.removeLocked(key.ID)
		f.mu.Unlock()
	}
}

// MarkAsRead is a no-op for unknown or dismissed ids. The store write is best effort.
func (f *Feed) MarkAsRead(ctx context.Context, id string) {
	f.mu.Lock()
	i, ok := f.index[id]
	if !ok || f.alerts[i].Read {
		f.mu.Unlock()
		return
	}
	f.alerts[i].Read = true
	f.mu.Unlock()

	if err := f.store.MarkRead(ctx, f.companyID, id); err != nil {
		f.logger.Warn("marking alert read in store", zap.String("alertId", id), zap.Error(err))
	}
}

// Remove dismisses the alert for the session. A failed store delete does not
// bring it back.
func (f *Feed) Remove(ctx context.Context, id string) {
	f.mu.Lock()
	f.removeLocked(id)
	f.mu.Unlock()

	if err := f.store.Delete(ctx, f.companyID, id); err != nil {
		f.logger.Warn("deleting alert from store", zap.String("alertId", id), zap.Error(err))
	}
}

func (f *Feed) Alerts() []domain.Alert {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Alert, len(f.alerts))
	copy(out, f.alerts)
	return out
}

func (f *Feed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, a := range f.alerts {
		if !a.Read {
			n++
		}
	}
	return n
}

// SetConnection records the messaging gateway state reported by the health monitor.
func (f *Feed) SetConnection(state domain.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = f.conn.Transition(state.Status, f.clock.Now()).WithRetries(state.Retries)
}

func (f *Feed) Connection() domain.ConnectionState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.conn
}

func (f *Feed) mergeLocked(a domain.Alert) bool {
	if err := a.Validate(f.companyID); err != nil {
		f.reject(err)
		return false
	}
	if _, dismissed := f.tombstones[a.ID]; dismissed {
		return false
	}
	if i, ok := f.index[a.ID]; ok {
		a.Read = a.Read || f.alerts[i].Read
		f.alerts[i] = a
		return false
	}
	f.alerts = append(f.alerts, a)
	f.index[a.ID] = len(f.alerts) - 1
	return true
}

func (f *Feed) removeLocked(id string) {
	f.tombstones[id] = struct{}{}
	i, ok := f.index[id]
	if !ok {
		return
	}
	f.alerts = append(f.alerts[:i], f.alerts[i+1:]...)
	f.reindexLocked()
}

func (f *Feed) sortLocked() {
	sort.SliceStable(f.alerts, func(i, j int) bool {
		if !f.alerts[i].CreatedAt.Equal(f.alerts[j].CreatedAt) {
			return f.alerts[i].CreatedAt.After(f.alerts[j].CreatedAt)
		}
		return f.alerts[i].ID > f.alerts[j].ID
	})
	f.reindexLocked()
}

func (f *Feed) reindexLocked() {
	clear(f.index)
	for i, a := range f.alerts {
		f.index[a.ID] = i
	}
}

func (f *Feed) reject(err error) {
	die, _ := apperrors.IsDataIntegrityError(err)
	if die == nil {
		die = apperrors.NewDataIntegrityError("alert", "", err.Error())
	}
	metrics.DataIntegrityRejectionsTotal.WithLabelValues("alert").Inc()
	f.logger.Warn("alert excluded from feed", zap.String("id", die.ID), zap.String("reason", die.Message))
}
