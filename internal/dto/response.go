package dto

import (
	"time"

	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
)

type ErrorResponse struct {
	TraceID   string                       `json:"traceId"`
	Status    int                          `json:"status"`
	Code      string                       `json:"code"`
	Message   string                       `json:"message"`
	Details   []apperrors.ValidationDetail `json:"details,omitempty"`
	Timestamp time.Time                    `json:"timestamp"`
}

type SessionResponse struct {
	TraceID     string         `json:"traceId"`
	CompanyID   int            `json:"companyId"`
	Connections ConnectionsDTO `json:"connections"`
	Warning     string         `json:"warning,omitempty"`
}

type ConnectionsDTO struct {
	Channel    domain.ConnectionState `json:"channel"`
	Messaging  domain.ConnectionState `json:"messaging"`
	PrintAgent domain.ConnectionState `json:"printAgent"`
}

type ConnectionsResponse struct {
	TraceID     string         `json:"traceId"`
	Connections ConnectionsDTO `json:"connections"`
}

type PrintAgentResponse struct {
	TraceID    string                 `json:"traceId"`
	PrintAgent domain.ConnectionState `json:"printAgent"`
}

type AckResponse struct {
	TraceID   string    `json:"traceId"`
	Timestamp time.Time `json:"timestamp"`
}
