package usecase

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
	"palantir/internal/metrics"
)

type OrderRepository interface {
	FindByID(ctx context.Context, companyID int, id uint) (*domain.Order, error)
	UpdateStatus(ctx context.Context, companyID int, id uint, from, to domain.OrderStatus) (*domain.Order, error)
}

// ChangeStatusRequest is an operator's status change. Current is the status
// the operator sees; when empty it is read from the store.
type ChangeStatusRequest struct {
	CompanyID int
	OrderID   uint
	Current   domain.OrderStatus
	To        domain.OrderStatus
}

type ChangeStatusUseCase struct {
	orderRepo        OrderRepository
	logger           *zap.Logger
	maxRetryAttempts int
	writeTimeout     time.Duration
	sleep            func(time.Duration)
}

func NewChangeStatusUseCase(
	orderRepo OrderRepository,
	logger *zap.Logger,
	maxRetryAttempts int,
	writeTimeout time.Duration,
) *ChangeStatusUseCase {
	if maxRetryAttempts < 1 {
		maxRetryAttempts = 1
	}
	return &ChangeStatusUseCase{
		orderRepo:        orderRepo,
		logger:           logger,
		maxRetryAttempts: maxRetryAttempts,
		writeTimeout:     writeTimeout,
		sleep:            time.Sleep,
	}
}

// ChangeStatus validates the transition and writes it. Nothing is applied
// locally here; the caller applies the returned row on success.
func (uc *ChangeStatusUseCase) ChangeStatus(ctx context.Context, req ChangeStatusRequest) (*domain.Order, error) {
	logger := uc.logger.With(zap.Int("companyId", req.CompanyID), zap.Uint("orderId", req.OrderID))
	logger.Info("status change requested", zap.String("from", string(req.Current)), zap.String("to", string(req.To)))

	if !req.To.IsValid() {
		return nil, apperrors.NewValidationError("invalid status",
			apperrors.ValidationDetail{Field: "status", Message: "unknown status " + string(req.To)})
	}

	from := req.Current
	if from == "" {
		order, err := uc.orderRepo.FindByID(ctx, req.CompanyID, req.OrderID)
		if err != nil {
			return nil, err
		}
		from = order.Status
	}

	if !from.CanTransitionTo(req.To) {
		metrics.IllegalTransitionsTotal.Inc()
		logger.Warn("illegal status transition rejected", zap.String("from", string(from)), zap.String("to", string(req.To)))
		return nil, apperrors.NewIllegalTransitionError(req.OrderID, string(from), string(req.To))
	}

	start := time.Now()
	order, err := uc.updateWithRetry(ctx, req.CompanyID, req.OrderID, from, req.To, logger)
	metrics.StatusChangeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Warn("status change failed", zap.Error(err))
		return nil, err
	}

	logger.Info("status changed", zap.String("status", string(order.Status)))
	return order, nil
}

func (uc *ChangeStatusUseCase) updateWithRetry(
	ctx context.Context,
	companyID int,
	orderID uint,
	from, to domain.OrderStatus,
	logger *zap.Logger,
) (*domain.Order, error) {
	maxAttempts := uc.maxRetryAttempts
	// Backoff intervals: attempt 1 (0ms), attempt 2 (100ms), attempt 3 (200ms), etc.
	backoffs := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		order, err := uc.write(ctx, companyID, orderID, from, to)
		if err == nil {
			return order, nil
		}

		if isDeadlockError(err) {
			if attempt < maxAttempts {
				base := backoffs[min(attempt, len(backoffs)-1)]
				// Jitter: ±20% of base
				jitter := time.Duration(float64(base) * (rand.Float64()*0.4 - 0.2))
				logger.Warn("deadlock detected, retrying", zap.Int("attempt", attempt), zap.Int("maxAttempts", maxAttempts))
				uc.sleep(base + jitter)
				continue
			}
			break
		}

		// Non-deadlock error, return immediately
		return nil, err
	}

	return nil, apperrors.NewDeadlockError("max retries exceeded")
}

func (uc *ChangeStatusUseCase) write(ctx context.Context, companyID int, orderID uint, from, to domain.OrderStatus) (*domain.Order, error) {
	if uc.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.writeTimeout)
		defer cancel()
	}
	return uc.orderRepo.UpdateStatus(ctx, companyID, orderID, from, to)
}

func isDeadlockError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}
