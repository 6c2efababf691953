package domain

import (
	"time"

	apperrors "palantir/internal/errors"
)

// Alert is one inbound customer message notification.
type Alert struct {
	ID           string    `json:"id"`
	CompanyID    int       `json:"companyId"`
	CustomerName string    `json:"customerName"`
	Phone        string    `json:"phone"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"createdAt"`
	Read         bool      `json:"isRead"`
}

func (a Alert) Validate(companyID int) error {
	if a.ID == "" {
		return apperrors.NewDataIntegrityError("alert", "", "missing id")
	}
	if a.CompanyID != companyID {
		return apperrors.NewDataIntegrityError("alert", a.ID, "belongs to another company")
	}
	return nil
}
