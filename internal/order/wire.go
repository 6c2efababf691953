package order

import (
	"database/sql"

	"go.uber.org/zap"

	"palantir/internal/config"
	orderrepo "palantir/internal/order/repository"
	"palantir/internal/order/usecase"
)

// Module bundles the order store and the status-change use case shared by all tenant sessions.
type Module struct {
	Repository   *orderrepo.MySQLOrderRepository
	ChangeStatus *usecase.ChangeStatusUseCase
}

func NewModule(db *sql.DB, cfg *config.Config, logger *zap.Logger) *Module {
	orderRepo := orderrepo.NewMySQLOrderRepository(db)

	return &Module{
		Repository: orderRepo,
		ChangeStatus: usecase.NewChangeStatusUseCase(
			orderRepo,
			logger,
			cfg.Order.MaxRetryAttempts,
			cfg.Order.WriteTimeout,
		),
	}
}
