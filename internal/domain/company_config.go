package domain

import "time"

// CompanyConfig holds the per-tenant settings the live session needs.
type CompanyConfig struct {
	ID                int
	CompanyID         int
	MessagingInstance string
	PrinterName       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
