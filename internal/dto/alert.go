package dto

import (
	"time"

	"palantir/internal/domain"
	"palantir/internal/phone"
)

type AlertDTO struct {
	ID           string    `json:"id"`
	CustomerName string    `json:"customerName"`
	Phone        string    `json:"phone"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"createdAt"`
	IsRead       bool      `json:"isRead"`
}

type AlertsResponse struct {
	TraceID     string     `json:"traceId"`
	UnreadCount int        `json:"unreadCount"`
	Alerts      []AlertDTO `json:"alerts"`
}

func NewAlertDTOs(alerts []domain.Alert) []AlertDTO {
	out := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		out[i] = AlertDTO{
			ID:           a.ID,
			CustomerName: a.CustomerName,
			Phone:        phone.Format(a.Phone),
			Message:      a.Message,
			CreatedAt:    a.CreatedAt,
			IsRead:       a.Read,
		}
	}
	return out
}
