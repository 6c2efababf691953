package repository

import (
	"context"
	"database/sql"
	"fmt"

	"palantir/internal/domain"
	"palantir/internal/errors"
)

const feedLimit = 200

type MySQLAlertRepository struct {
	db *sql.DB
}

func NewMySQLAlertRepository(db *sql.DB) *MySQLAlertRepository {
	return &MySQLAlertRepository{db: db}
}

// ListByCompany returns the most recent alerts for a tenant, newest first.
func (r *MySQLAlertRepository) ListByCompany(ctx context.Context, companyID int) ([]domain.Alert, error) {
	query := `
		SELECT id, companyId, customerName, phone, message, createdAt, isRead
		FROM WhatsappAlerts
		WHERE companyId = ?
		ORDER BY createdAt DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, companyID, feedLimit)
	if err != nil {
		return nil, fmt.Errorf("querying alerts by company: %w", err)
	}
	defer rows.Close()

	alerts := []domain.Alert{}
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.CustomerName, &a.Phone, &a.Message, &a.CreatedAt, &a.Read); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert rows: %w", err)
	}

	return alerts, nil
}

func (r *MySQLAlertRepository) MarkRead(ctx context.Context, companyID int, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE WhatsappAlerts SET isRead = 1 WHERE id = ? AND companyId = ?`, id, companyID)
	if err != nil {
		return fmt.Errorf("marking alert read: %w", err)
	}
	return expectRow(result, id)
}

func (r *MySQLAlertRepository) Delete(ctx context.Context, companyID int, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM WhatsappAlerts WHERE id = ? AND companyId = ?`, id, companyID)
	if err != nil {
		return fmt.Errorf("deleting alert: %w", err)
	}
	return expectRow(result, id)
}

func expectRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("alert %s not found", id))
	}
	return nil
}
