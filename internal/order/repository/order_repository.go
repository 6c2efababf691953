package repository

import (
	"context"
	"database/sql"
	"fmt"

	"palantir/internal/domain"
	"palantir/internal/errors"
)

const orderColumns = `
	id, companyId, orderNumber, status, customerName, customerPhone, customerAddress,
	items, paymentMethod, subtotal, deliveryFee, total, createdAt, updatedAt`

type MySQLOrderRepository struct {
	db *sql.DB
}

func NewMySQLOrderRepository(db *sql.DB) *MySQLOrderRepository {
	return &MySQLOrderRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	err := row.Scan(
		&order.ID, &order.CompanyID, &order.OrderNumber, &order.Status,
		&order.CustomerName, &order.CustomerPhone, &order.CustomerAddress,
		&order.Items, &order.PaymentMethod, &order.Subtotal, &order.DeliveryFee, &order.Total,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *MySQLOrderRepository) FindByID(ctx context.Context, companyID int, id uint) (*domain.Order, error) {
	query := `SELECT` + orderColumns + `
		FROM Orders
		WHERE id = ? AND companyId = ?`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, id, companyID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(fmt.Sprintf("order with id %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("querying order by id: %w", err)
	}

	return order, nil
}

// ListByCompany returns the full current snapshot for a tenant, newest first.
func (r *MySQLOrderRepository) ListByCompany(ctx context.Context, companyID int) ([]domain.Order, error) {
	query := `SELECT` + orderColumns + `
		FROM Orders
		WHERE companyId = ?
		ORDER BY createdAt DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("querying orders by company: %w", err)
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order rows: %w", err)
	}

	return orders, nil
}

// UpdateStatus moves an order from `from` to `to` and returns the stored row.
// The write only lands if the row still has status `from`.
func (r *MySQLOrderRepository) UpdateStatus(ctx context.Context, companyID int, id uint, from, to domain.OrderStatus) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE Orders SET status = ?, updatedAt = CURRENT_TIMESTAMP(3) WHERE id = ? AND companyId = ? AND status = ?`

	result, err := tx.ExecContext(ctx, query, to, id, companyID, from)
	if err != nil {
		return nil, fmt.Errorf("updating order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var current domain.OrderStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM Orders WHERE id = ? AND companyId = ?`, id, companyID).Scan(&current)
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError(fmt.Sprintf("order with id %d not found", id))
		}
		if err != nil {
			return nil, fmt.Errorf("querying order status: %w", err)
		}
		return nil, errors.NewConflictError(fmt.Sprintf("order %d is %s, expected %s", id, current, from))
	}

	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT`+orderColumns+` FROM Orders WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reading updated order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing status update: %w", err)
	}

	return order, nil
}
