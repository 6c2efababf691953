// Package session ties one tenant's live channel, order board, alert feed
// and messaging health together.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"palantir/internal/alert"
	"palantir/internal/channel"
	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
	"palantir/internal/health"
	"palantir/internal/order/stream"
	"palantir/internal/order/usecase"
)

type Channel interface {
	Subscribe(ctx context.Context, companyID int, listener channel.Listener) error
	Unsubscribe(companyID int)
	Status(companyID int) domain.ConnectionState
}

type StatusChanger interface {
	ChangeStatus(ctx context.Context, req usecase.ChangeStatusRequest) (*domain.Order, error)
}

type Printer interface {
	PrintOrder(ctx context.Context, order domain.Order, printer string) error
	State() domain.ConnectionState
}

// Connections is the per-tenant view of every external link.
type Connections struct {
	Channel    domain.ConnectionState `json:"channel"`
	Messaging  domain.ConnectionState `json:"messaging"`
	PrintAgent domain.ConnectionState `json:"printAgent"`
}

type Session struct {
	companyID int
	config    domain.CompanyConfig
	channel   Channel
	orders    *stream.Reconciler
	alerts    *alert.Feed
	health    *health.Monitor
	changer   StatusChanger
	printer   Printer
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

func (s *Session) CompanyID() int { return s.companyID }

// start runs the background loops, loads the alert feed and opens the live
// channel. The session stays usable when the channel fails to open; Reconnect
// retries it.
func (s *Session) start() error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.orders.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.health.Run(s.ctx)
	}()
	s.loadAlerts("alert feed not loaded on open")
	return s.Reconnect()
}

// Reconnect opens the live channel unless it is already connecting or
// connected. A connected channel whose order snapshot never landed gets a
// fresh load instead.
func (s *Session) Reconnect() error {
	err := s.channel.Subscribe(s.ctx, s.companyID, s)
	if s.channel.Status(s.companyID).Status == domain.ConnectionConnected && !s.orders.Loaded() {
		s.orders.Reload()
	}
	return err
}

func (s *Session) loadAlerts(msg string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.alerts.Load(s.ctx); err != nil {
			s.logger.Warn(msg, zap.Error(err))
		}
	}()
}

// Close tears the session down. No channel callback runs after it returns.
func (s *Session) Close() {
	s.closed.Do(func() {
		s.channel.Unsubscribe(s.companyID)
		s.cancel()
		s.orders.Close()
		s.wg.Wait()
		s.logger.Info("session closed")
	})
}

func (s *Session) OnConnected(companyID int) {
	s.orders.Connected()
	s.loadAlerts("alert feed not refreshed after connect")
}

func (s *Session) OnChange(ev domain.ChangeEvent) {
	switch ev.Table {
	case domain.TableOrders:
		s.orders.ApplyEvent(ev)
	case domain.TableAlerts:
		s.alerts.ApplyEvent(ev)
	default:
		s.logger.Debug("ignoring change for unknown table", zap.String("table", ev.Table))
	}
}

func (s *Session) OnDisconnected(companyID int, err error) {
	s.orders.Disconnected()
	s.logger.Warn("live channel lost, waiting for reconnect", zap.Error(err))
}

func (s *Session) Orders() []domain.Order { return s.orders.Orders() }

func (s *Session) OrdersLoaded() bool { return s.orders.Loaded() }

func (s *Session) Rejections() []stream.Rejection { return s.orders.Rejections() }

// ChangeOrderStatus validates against the status the operator currently
// sees, writes, and applies the stored row on success only.
func (s *Session) ChangeOrderStatus(ctx context.Context, orderID uint, to domain.OrderStatus) (*domain.Order, error) {
	req := usecase.ChangeStatusRequest{CompanyID: s.companyID, OrderID: orderID, To: to}
	if current, ok := s.orders.Order(orderID); ok {
		req.Current = current.Status
	}

	order, err := s.changer.ChangeStatus(ctx, req)
	if err != nil {
		return nil, err
	}
	s.orders.ApplyLocal(*order)
	return order, nil
}

func (s *Session) PrintOrder(ctx context.Context, orderID uint) error {
	order, ok := s.orders.Order(orderID)
	if !ok {
		return apperrors.NewNotFoundError("order not found on the live board")
	}
	printer := ""
	if s.config.PrinterName != nil {
		printer = *s.config.PrinterName
	}
	return s.printer.PrintOrder(ctx, order, printer)
}

func (s *Session) Alerts() []domain.Alert { return s.alerts.Alerts() }

func (s *Session) UnreadCount() int { return s.alerts.UnreadCount() }

func (s *Session) MarkAlertRead(ctx context.Context, id string) { s.alerts.MarkAsRead(ctx, id) }

func (s *Session) DismissAlert(ctx context.Context, id string) { s.alerts.Remove(ctx, id) }

func (s *Session) ReconnectMessaging() { s.health.Reconnect() }

func (s *Session) Connections() Connections {
	return Connections{
		Channel:    s.channel.Status(s.companyID),
		Messaging:  s.alerts.Connection(),
		PrintAgent: s.printer.State(),
	}
}
