package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
	"palantir/internal/metrics"
)

const (
	inboxSize     = 256
	maxRejections = 50

	snapshotRetryBase = time.Second
	snapshotRetryMax  = 30 * time.Second
)

type OrderStore interface {
	ListByCompany(ctx context.Context, companyID int) ([]domain.Order, error)
}

// Rejection is a record kept out of the reconciled set.
type Rejection struct {
	At  time.Time
	Err *apperrors.DataIntegrityError
}

func (r Rejection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		At     time.Time `json:"at"`
		Entity string    `json:"entity"`
		ID     string    `json:"id,omitempty"`
		Reason string    `json:"reason"`
	}{r.At, r.Err.Entity, r.Err.ID, r.Err.Message})
}

// Reconciler keeps one tenant's order set consistent with its snapshot and
// live events. All mutations run on the Run goroutine; readers get an
// immutable copy.
type Reconciler struct {
	companyID int
	store     OrderStore
	clock     clockwork.Clock
	logger    *zap.Logger

	inbox   chan any
	done    chan struct{}
	stop    sync.Once
	current atomic.Pointer[[]domain.Order]
	loaded  atomic.Bool

	rejMu      sync.Mutex
	rejections []Rejection

	// Owned by the Run goroutine.
	orders     map[uint]domain.Order
	generation uint64
	loading    bool
	pending    []change
	failures   int
	retry      clockwork.Timer
	// A reload asked for while a load was in flight.
	reload bool
}

type change struct {
	order   domain.Order
	deleted uint
}

type connectedMsg struct{}

type disconnectedMsg struct{}

type eventMsg struct{ ev domain.ChangeEvent }

type localMsg struct{ order domain.Order }

type snapshotMsg struct {
	generation uint64
	orders     []domain.Order
	err        error
}

type reloadMsg struct{}

type retryMsg struct{ generation uint64 }

type syncMsg struct{ done chan struct{} }

func NewReconciler(companyID int, store OrderStore, clock clockwork.Clock, logger *zap.Logger) *Reconciler {
	r := &Reconciler{
		companyID: companyID,
		store:     store,
		clock:     clock,
		logger:    logger.With(zap.Int("companyId", companyID)),
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		orders:    make(map[uint]domain.Order),
	}
	empty := []domain.Order{}
	r.current.Store(&empty)
	return r
}

// Run consumes the inbox until ctx is done or Close is called.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Close()
			r.stopRetry()
			return
		case <-r.done:
			r.stopRetry()
			return
		case msg := <-r.inbox:
			r.handle(ctx, msg)
		}
	}
}

// Close stops the loop. Later calls into the reconciler are dropped.
func (r *Reconciler) Close() {
	r.stop.Do(func() { close(r.done) })
}

// Connected starts a snapshot load for the new connection. Any load still in
// flight for an earlier connection is discarded when it lands.
func (r *Reconciler) Connected() { r.send(connectedMsg{}) }

// Reload starts a fresh snapshot load unless the current one has landed.
// A load already in flight is retried at once if it fails. Events already
// applied are kept and replayed over the new snapshot.
func (r *Reconciler) Reload() { r.send(reloadMsg{}) }

// Disconnected keeps the last known set but marks it stale.
func (r *Reconciler) Disconnected() { r.send(disconnectedMsg{}) }

func (r *Reconciler) ApplyEvent(ev domain.ChangeEvent) { r.send(eventMsg{ev: ev}) }

// ApplyLocal applies a row returned by a successful store write.
func (r *Reconciler) ApplyLocal(order domain.Order) { r.send(localMsg{order: order}) }

// Orders returns the reconciled set, newest first.
func (r *Reconciler) Orders() []domain.Order {
	orders := *r.current.Load()
	out := make([]domain.Order, len(orders))
	copy(out, orders)
	return out
}

func (r *Reconciler) Order(id uint) (domain.Order, bool) {
	for _, o := range *r.current.Load() {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Order{}, false
}

// Loaded reports whether a snapshot has landed for the current connection.
func (r *Reconciler) Loaded() bool { return r.loaded.Load() }

func (r *Reconciler) Rejections() []Rejection {
	r.rejMu.Lock()
	defer r.rejMu.Unlock()
	out := make([]Rejection, len(r.rejections))
	copy(out, r.rejections)
	return out
}

func (r *Reconciler) send(msg any) {
	select {
	case r.inbox <- msg:
	case <-r.done:
	}
}

// flush returns once every message queued before it has been handled.
func (r *Reconciler) flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.inbox <- syncMsg{done: done}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case connectedMsg:
		r.pending = nil
		r.startLoad(ctx)
	case reloadMsg:
		if r.loaded.Load() {
			return
		}
		if r.loading && r.retry == nil {
			r.reload = true
			return
		}
		r.startLoad(ctx)
	case disconnectedMsg:
		r.generation++
		r.loading = false
		r.pending = nil
		r.failures = 0
		r.reload = false
		r.stopRetry()
		r.loaded.Store(false)
	case snapshotMsg:
		r.applySnapshot(m)
		if m.err != nil && m.generation == r.generation && r.loading {
			if r.reload {
				r.startLoad(ctx)
				return
			}
			r.scheduleRetry()
		}
	case retryMsg:
		if m.generation == r.generation && r.loading {
			r.retry = nil
			go r.load(ctx, r.generation)
		}
	case eventMsg:
		r.applyEvent(m.ev)
	case localMsg:
		r.applyLocal(m.order)
	case syncMsg:
		close(m.done)
	}
}

func (r *Reconciler) startLoad(ctx context.Context) {
	r.generation++
	r.loading = true
	r.failures = 0
	r.reload = false
	r.stopRetry()
	r.loaded.Store(false)
	go r.load(ctx, r.generation)
}

// scheduleRetry reloads the same generation after a doubling delay. Events
// keep being remembered for replay while it waits.
func (r *Reconciler) scheduleRetry() {
	delay := snapshotRetryMax
	if r.failures < 5 && snapshotRetryBase<<r.failures < snapshotRetryMax {
		delay = snapshotRetryBase << r.failures
	}
	r.failures++
	generation := r.generation
	r.stopRetry()
	r.retry = r.clock.AfterFunc(delay, func() { r.send(retryMsg{generation: generation}) })
	r.logger.Warn("order snapshot retry scheduled", zap.Int("failures", r.failures), zap.Duration("delay", delay))
}

func (r *Reconciler) stopRetry() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

func (r *Reconciler) load(ctx context.Context, generation uint64) {
	orders, err := r.store.ListByCompany(ctx, r.companyID)
	r.send(snapshotMsg{generation: generation, orders: orders, err: err})
}

func (r *Reconciler) applySnapshot(m snapshotMsg) {
	if m.generation != r.generation || !r.loading {
		metrics.OrderSnapshotsTotal.WithLabelValues("discarded").Inc()
		r.logger.Debug("discarding stale snapshot", zap.Uint64("generation", m.generation))
		return
	}
	if m.err != nil {
		metrics.OrderSnapshotsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("loading order snapshot", zap.Error(m.err))
		return
	}
	r.loading = false
	r.failures = 0
	r.reload = false
	r.retry = nil

	orders := make(map[uint]domain.Order, len(m.orders))
	for _, o := range m.orders {
		if err := o.Validate(r.companyID); err != nil {
			r.reject(err)
			continue
		}
		orders[o.ID] = o
	}

	// Events seen during the load may be older or newer than the snapshot.
	for _, c := range r.pending {
		if c.deleted != 0 {
			delete(orders, c.deleted)
			continue
		}
		if existing, ok := orders[c.order.ID]; ok && existing.UpdatedAt.After(c.order.UpdatedAt) {
			continue
		}
		orders[c.order.ID] = c.order
	}
	replayed := len(r.pending)
	r.pending = nil

	r.orders = orders
	r.publish()
	r.loaded.Store(true)
	metrics.OrderSnapshotsTotal.WithLabelValues("applied").Inc()
	r.logger.Info("order snapshot applied", zap.Int("orders", len(orders)), zap.Int("replayed", replayed))
}

func (r *Reconciler) applyEvent(ev domain.ChangeEvent) {
	if ev.Table != "" && ev.Table != domain.TableOrders {
		return
	}
	metrics.OrderEventsTotal.WithLabelValues(string(ev.Op)).Inc()

	switch ev.Op {
	case domain.ChangeInsert, domain.ChangeUpdate:
		order, err := r.decode(ev.Record)
		if err != nil {
			r.reject(err)
			// An update that fails validation must not leave the old row behind.
			if id := recordID(ev.Record); id != 0 {
				r.remove(id)
			}
			return
		}
		// Insert of a known id is treated as an update.
		r.upsert(order)
	case domain.ChangeDelete:
		id := recordID(ev.OldRecord)
		if id == 0 {
			id = recordID(ev.Record)
		}
		if id == 0 {
			r.reject(apperrors.NewDataIntegrityError("order", "", "delete event without id"))
			return
		}
		r.remove(id)
	default:
		r.reject(apperrors.NewDataIntegrityError("order", "", fmt.Sprintf("unknown change op %q", ev.Op)))
	}
}

func (r *Reconciler) applyLocal(order domain.Order) {
	if err := order.Validate(r.companyID); err != nil {
		r.reject(err)
		return
	}
	if existing, ok := r.orders[order.ID]; ok && existing.UpdatedAt.After(order.UpdatedAt) {
		return
	}
	r.upsert(order)
}

func (r *Reconciler) upsert(order domain.Order) {
	r.orders[order.ID] = order
	if r.loading {
		r.pending = append(r.pending, change{order: order})
	}
	r.publish()
}

func (r *Reconciler) remove(id uint) {
	if r.loading {
		r.pending = append(r.pending, change{deleted: id})
	}
	if _, ok := r.orders[id]; !ok {
		return
	}
	delete(r.orders, id)
	r.publish()
}

func (r *Reconciler) decode(raw json.RawMessage) (domain.Order, error) {
	var order domain.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return domain.Order{}, apperrors.NewDataIntegrityError("order", idString(recordID(raw)), "malformed payload: "+err.Error())
	}
	if err := order.Validate(r.companyID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *Reconciler) reject(err error) {
	die, ok := apperrors.IsDataIntegrityError(err)
	if !ok {
		die = apperrors.NewDataIntegrityError("order", "", err.Error())
	}
	metrics.DataIntegrityRejectionsTotal.WithLabelValues(die.Entity).Inc()
	r.logger.Warn("order excluded from reconciled set", zap.String("id", die.ID), zap.String("reason", die.Message))

	r.rejMu.Lock()
	r.rejections = append(r.rejections, Rejection{At: r.clock.Now(), Err: die})
	if len(r.rejections) > maxRejections {
		r.rejections = r.rejections[len(r.rejections)-maxRejections:]
	}
	r.rejMu.Unlock()
}

func (r *Reconciler) publish() {
	orders := make([]domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	r.current.Store(&orders)
}

func recordID(raw json.RawMessage) uint {
	if len(raw) == 0 {
		return 0
	}
	var key struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return 0
	}
	return key.ID
}

func idString(id uint) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(id), 10)
}
