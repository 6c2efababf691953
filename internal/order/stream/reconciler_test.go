package stream

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"palantir/internal/domain"
)

const companyID = 7

type mockOrderStore struct {
	ListByCompanyFunc func(ctx context.Context, companyID int) ([]domain.Order, error)
}

func (m *mockOrderStore) ListByCompany(ctx context.Context, companyID int) ([]domain.Order, error) {
	return m.ListByCompanyFunc(ctx, companyID)
}

func staticStore(orders ...domain.Order) *mockOrderStore {
	return &mockOrderStore{
		ListByCompanyFunc: func(ctx context.Context, companyID int) ([]domain.Order, error) {
			return orders, nil
		},
	}
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func makeOrder(id uint, status domain.OrderStatus, minute int) domain.Order {
	return domain.Order{
		ID:           id,
		CompanyID:    companyID,
		OrderNumber:  int(id),
		Status:       status,
		CustomerName: "Cliente",
		Items: domain.OrderItems{
			{ProductID: 1, ProductName: "Pizza", Quantity: 1, UnitPrice: decimal.RequireFromString("30.00")},
		},
		PaymentMethod: "Dinheiro",
		Subtotal:      decimal.RequireFromString("30.00"),
		DeliveryFee:   decimal.RequireFromString("5.00"),
		Total:         decimal.RequireFromString("35.00"),
		CreatedAt:     baseTime.Add(time.Duration(id) * time.Minute),
		UpdatedAt:     baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func record(t *testing.T, o domain.Order) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(o)
	require.NoError(t, err)
	return raw
}

func upsertEvent(t *testing.T, op domain.ChangeOp, o domain.Order) domain.ChangeEvent {
	return domain.ChangeEvent{Op: op, CompanyID: companyID, Table: domain.TableOrders, Record: record(t, o)}
}

func deleteEvent(id uint) domain.ChangeEvent {
	old, _ := json.Marshal(map[string]uint{"id": id})
	return domain.ChangeEvent{Op: domain.ChangeDelete, CompanyID: companyID, Table: domain.TableOrders, OldRecord: old}
}

func startReconciler(t *testing.T, store OrderStore) *Reconciler {
	t.Helper()
	return startReconcilerWithClock(t, store, clockwork.NewFakeClock())
}

func startReconcilerWithClock(t *testing.T, store OrderStore, clock clockwork.Clock) *Reconciler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconciler(companyID, store, clock, zap.NewNop())
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r
}

func connectAndWait(t *testing.T, r *Reconciler) {
	t.Helper()
	r.Connected()
	flush(t, r)
	require.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond)
}

func flush(t *testing.T, r *Reconciler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.flush(ctx))
}

func ids(orders []domain.Order) []uint {
	out := make([]uint, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestReconciler_SnapshotUpdateDelete(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0)))
	assert.Empty(t, r.Orders())

	connectAndWait(t, r)
	require.Equal(t, []uint{1}, ids(r.Orders()))

	r.ApplyEvent(upsertEvent(t, domain.ChangeUpdate, makeOrder(1, domain.OrderStatusPreparing, 1)))
	flush(t, r)

	orders := r.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusPreparing, orders[0].Status)

	r.ApplyEvent(deleteEvent(1))
	flush(t, r)
	assert.Empty(t, r.Orders())
}

func TestReconciler_InsertOfKnownIDIsUpdate(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	r.ApplyEvent(upsertEvent(t, domain.ChangeInsert, makeOrder(1, domain.OrderStatusPreparing, 1)))
	flush(t, r)

	orders := r.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusPreparing, orders[0].Status)
}

func TestReconciler_UpdateOfUnknownIDIsInsert(t *testing.T) {
	r := startReconciler(t, staticStore())
	connectAndWait(t, r)

	r.ApplyEvent(upsertEvent(t, domain.ChangeUpdate, makeOrder(3, domain.OrderStatusReady, 0)))
	flush(t, r)

	assert.Equal(t, []uint{3}, ids(r.Orders()))
}

func TestReconciler_DeleteIsIdempotent(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0), makeOrder(2, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	r.ApplyEvent(deleteEvent(1))
	flush(t, r)
	after := r.Orders()

	r.ApplyEvent(deleteEvent(1))
	r.ApplyEvent(deleteEvent(99))
	flush(t, r)

	assert.Equal(t, after, r.Orders())
	assert.Empty(t, r.Rejections())
}

func TestReconciler_NewestFirst(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0), makeOrder(3, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	r.ApplyEvent(upsertEvent(t, domain.ChangeInsert, makeOrder(2, domain.OrderStatusNew, 0)))
	flush(t, r)

	assert.Equal(t, []uint{3, 2, 1}, ids(r.Orders()))
}

func TestReconciler_EventsDuringLoadAreReplayed(t *testing.T) {
	release := make(chan struct{})
	store := &mockOrderStore{
		ListByCompanyFunc: func(ctx context.Context, companyID int) ([]domain.Order, error) {
			<-release
			// Snapshot was read before the live events below were committed.
			return []domain.Order{makeOrder(1, domain.OrderStatusNew, 0), makeOrder(2, domain.OrderStatusNew, 0)}, nil
		},
	}
	r := startReconciler(t, store)

	r.Connected()
	r.ApplyEvent(upsertEvent(t, domain.ChangeUpdate, makeOrder(1, domain.OrderStatusPreparing, 5)))
	r.ApplyEvent(deleteEvent(2))
	r.ApplyEvent(upsertEvent(t, domain.ChangeInsert, makeOrder(4, domain.OrderStatusNew, 5)))
	flush(t, r)

	assert.False(t, r.Loaded())
	assert.Equal(t, []uint{4, 1}, ids(r.Orders()))

	close(release)
	require.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond)

	orders := r.Orders()
	assert.Equal(t, []uint{4, 1}, ids(orders))
	assert.Equal(t, domain.OrderStatusPreparing, orders[1].Status)
}

func TestReconciler_ReplayDoesNotOverwriteNewerSnapshot(t *testing.T) {
	release := make(chan struct{})
	store := &mockOrderStore{
		ListByCompanyFunc: func(ctx context.Context, companyID int) ([]domain.Order, error) {
			<-release
			return []domain.Order{makeOrder(1, domain.OrderStatusReady, 10)}, nil
		},
	}
	r := startReconciler(t, store)

	r.Connected()
	r.ApplyEvent(upsertEvent(t, domain.ChangeUpdate, makeOrder(1, domain.OrderStatusPreparing, 5)))
	flush(t, r)
	close(release)
	require.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond)

	order, ok := r.Order(1)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusReady, order.Status)
}

func TestReconciler_StaleSnapshotDiscarded(t *testing.T) {
	first := make(chan struct{})
	calls := make(chan int32, 2)
	var n int32
	store := &mockOrderStore{
		ListByCompanyFunc: func(ctx context.Context, companyID int) ([]domain.Order, error) {
			call := atomic.AddInt32(&n, 1)
			calls <- call
			if call == 1 {
				<-first
				return []domain.Order{makeOrder(1, domain.OrderStatusNew, 0)}, nil
			}
			return []domain.Order{makeOrder(2, domain.OrderStatusNew, 0)}, nil
		},
	}
	r := startReconciler(t, store)

	r.Connected()
	<-calls
	r.Disconnected()
	r.Connected()
	<-calls
	require.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond)

	close(first)
	time.Sleep(20 * time.Millisecond)
	flush(t, r)

	assert.Equal(t, []uint{2}, ids(r.Orders()))
}

// failingStore fails the listed calls (1-based) and serves orders otherwise.
func failingStore(calls *atomic.Int32, failOn map[int32]bool, orders ...domain.Order) *mockOrderStore {
	return &mockOrderStore{
		ListByCompanyFunc: func(ctx context.Context, companyID int) ([]domain.Order, error) {
			if failOn[calls.Add(1)] {
				return nil, assert.AnError
			}
			return orders, nil
		},
	}
}

func TestReconciler_SnapshotFailureRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	clock := clockwork.NewFakeClock()
	store := failingStore(&calls, map[int32]bool{2: true, 3: true},
		makeOrder(1, domain.OrderStatusNew, 0), makeOrder(3, domain.OrderStatusNew, 0))
	r := startReconcilerWithClock(t, store, clock)
	connectAndWait(t, r)

	r.Disconnected()
	r.Connected()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	flush(t, r)
	assert.False(t, r.Loaded())
	assert.Equal(t, []uint{3, 1}, ids(r.Orders()))

	// Applied now and replayed over the snapshot that eventually lands.
	r.ApplyEvent(upsertEvent(t, domain.ChangeInsert, makeOrder(2, domain.OrderStatusNew, 0)))
	flush(t, r)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)

	// The second retry waits twice as long.
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	assert.Never(t, func() bool { return calls.Load() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	clock.Advance(time.Second)

	require.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []uint{3, 2, 1}, ids(r.Orders()))
}

func TestReconciler_ReloadAfterFailedSnapshot(t *testing.T) {
	var calls atomic.Int32
	store := failingStore(&calls, map[int32]bool{1: true}, makeOrder(1, domain.OrderStatusNew, 0))
	r := startReconciler(t, store)

	r.Connected()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	flush(t, r)
	require.False(t, r.Loaded())

	r.Reload()
	require.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint{1}, ids(r.Orders()))

	r.Reload()
	flush(t, r)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReconciler_ReloadDuringLoadRetriesFailureAtOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	store := &mockOrderStore{
		ListByCompanyFunc: func(ctx context.Context, companyID int) ([]domain.Order, error) {
			if calls.Add(1) == 1 {
				<-release
				return nil, assert.AnError
			}
			return []domain.Order{makeOrder(1, domain.OrderStatusNew, 0)}, nil
		},
	}
	r := startReconciler(t, store)

	r.Connected()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	r.Reload()
	flush(t, r)
	close(release)

	require.Eventually(t, r.Loaded, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReconciler_DisconnectCancelsRetry(t *testing.T) {
	var calls atomic.Int32
	clock := clockwork.NewFakeClock()
	r := startReconcilerWithClock(t, failingStore(&calls, map[int32]bool{1: true}), clock)

	r.Connected()
	clock.BlockUntil(1)
	r.Disconnected()
	flush(t, r)
	clock.Advance(time.Minute)

	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.False(t, r.Loaded())
}

func TestReconciler_InvalidRecordsExcluded(t *testing.T) {
	bad := makeOrder(2, domain.OrderStatusNew, 0)
	bad.Total = decimal.RequireFromString("1.00")
	foreign := makeOrder(3, domain.OrderStatusNew, 0)
	foreign.CompanyID = companyID + 1

	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0), bad, foreign))
	connectAndWait(t, r)

	assert.Equal(t, []uint{1}, ids(r.Orders()))
	rejections := r.Rejections()
	require.Len(t, rejections, 2)
	assert.Equal(t, "2", rejections[0].Err.ID)
	assert.Equal(t, "3", rejections[1].Err.ID)
}

func TestReconciler_InvalidUpdateRemovesRecord(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	bad := makeOrder(1, domain.OrderStatusPreparing, 1)
	bad.DeliveryFee = decimal.RequireFromString("9.00")
	r.ApplyEvent(upsertEvent(t, domain.ChangeUpdate, bad))
	flush(t, r)

	assert.Empty(t, r.Orders())
	require.Len(t, r.Rejections(), 1)
}

func TestReconciler_MalformedPayload(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	r.ApplyEvent(domain.ChangeEvent{Op: domain.ChangeInsert, Table: domain.TableOrders, Record: json.RawMessage(`{"id": 5, "total": "abc"}`)})
	r.ApplyEvent(domain.ChangeEvent{Op: domain.ChangeDelete, Table: domain.TableOrders, OldRecord: json.RawMessage(`{}`)})
	flush(t, r)

	assert.Equal(t, []uint{1}, ids(r.Orders()))
	rejections := r.Rejections()
	require.Len(t, rejections, 2)
	assert.Equal(t, "5", rejections[0].Err.ID)
	assert.Contains(t, rejections[1].Err.Message, "without id")
}

func TestReconciler_RejectionsAreBounded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r := startReconcilerWithClock(t, staticStore(), clock)
	connectAndWait(t, r)

	for i := 0; i < maxRejections+10; i++ {
		r.ApplyEvent(domain.ChangeEvent{Op: domain.ChangeInsert, Table: domain.TableOrders, Record: json.RawMessage(`not json`)})
	}
	flush(t, r)

	rejections := r.Rejections()
	assert.Len(t, rejections, maxRejections)
	assert.Equal(t, clock.Now(), rejections[0].At)
}

func TestReconciler_IgnoresOtherTables(t *testing.T) {
	r := startReconciler(t, staticStore())
	connectAndWait(t, r)

	r.ApplyEvent(domain.ChangeEvent{Op: domain.ChangeInsert, Table: domain.TableAlerts, Record: json.RawMessage(`{"id": "a"}`)})
	flush(t, r)

	assert.Empty(t, r.Orders())
	assert.Empty(t, r.Rejections())
}

func TestReconciler_ApplyLocalKeepsNewerRow(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	r.ApplyEvent(upsertEvent(t, domain.ChangeUpdate, makeOrder(1, domain.OrderStatusReady, 10)))
	r.ApplyLocal(makeOrder(1, domain.OrderStatusPreparing, 5))
	flush(t, r)

	order, ok := r.Order(1)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusReady, order.Status)

	r.ApplyLocal(makeOrder(1, domain.OrderStatusOutForDelivery, 11))
	flush(t, r)
	order, _ = r.Order(1)
	assert.Equal(t, domain.OrderStatusOutForDelivery, order.Status)
}

func TestReconciler_OrdersReturnsCopy(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	orders := r.Orders()
	orders[0].Status = domain.OrderStatusCanceled

	order, _ := r.Order(1)
	assert.Equal(t, domain.OrderStatusNew, order.Status)
}

func TestReconciler_CloseDropsLaterCalls(t *testing.T) {
	r := startReconciler(t, staticStore(makeOrder(1, domain.OrderStatusNew, 0)))
	connectAndWait(t, r)

	r.Close()
	r.ApplyEvent(deleteEvent(1))

	assert.Equal(t, []uint{1}, ids(r.Orders()))
}

// Random interleavings of events and reconnects, with events racing the
// snapshot load, must leave exactly one entry per live id carrying the latest values.
func TestReconciler_RandomSequencesConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 25; run++ {
		truth := map[uint]domain.Order{}
		version := 0
		store := &mockOrderStore{}
		r := startReconciler(t, store)

		randomEvent := func() {
			id := uint(rng.Intn(8) + 1)
			version++
			switch rng.Intn(3) {
			case 0:
				o := makeOrder(id, domain.OrderStatusNew, version)
				truth[id] = o
				r.ApplyEvent(upsertEvent(t, domain.ChangeInsert, o))
			case 1:
				o := makeOrder(id, domain.OrderStatusPreparing, version)
				truth[id] = o
				r.ApplyEvent(upsertEvent(t, domain.ChangeUpdate, o))
			default:
				delete(truth, id)
				r.ApplyEvent(deleteEvent(id))
			}
		}

		for step := 0; step < 60; step++ {
			if rng.Intn(5) != 0 {
				randomEvent()
				continue
			}

			snap := make([]domain.Order, 0, len(truth))
			for _, o := range truth {
				snap = append(snap, o)
			}
			release := make(chan struct{})
			store.ListByCompanyFunc = func(ctx context.Context, companyID int) ([]domain.Order, error) {
				<-release
				return snap, nil
			}
			r.Connected()
			for k := rng.Intn(4); k > 0; k-- {
				randomEvent()
			}
			flush(t, r)
			close(release)
			require.Eventually(t, r.Loaded, time.Second, time.Millisecond)
		}
		flush(t, r)

		got := r.Orders()
		seen := map[uint]bool{}
		for _, o := range got {
			assert.False(t, seen[o.ID], "duplicate id %d", o.ID)
			seen[o.ID] = true
			assert.Equal(t, truth[o.ID].UpdatedAt, o.UpdatedAt)
			assert.Equal(t, truth[o.ID].Status, o.Status)
		}
		assert.Len(t, got, len(truth))
		r.Close()
	}
}
