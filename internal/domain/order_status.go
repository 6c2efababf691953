package domain

import (
	"fmt"

	apperrors "palantir/internal/errors"
)

type OrderStatus string

const (
	OrderStatusNew            OrderStatus = "new"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReady          OrderStatus = "ready"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCanceled       OrderStatus = "canceled"
)

// orderTransitions is the full adjacency list of the order lifecycle.
// Terminal statuses map to nothing.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:            {OrderStatusPreparing, OrderStatusCanceled},
	OrderStatusPreparing:      {OrderStatusReady, OrderStatusCanceled},
	OrderStatusReady:          {OrderStatusOutForDelivery, OrderStatusCanceled},
	OrderStatusOutForDelivery: {OrderStatusCompleted, OrderStatusCanceled},
	OrderStatusCompleted:      nil,
	OrderStatusCanceled:       nil,
}

var orderStatusLabels = map[OrderStatus]string{
	OrderStatusNew:            "Novo",
	OrderStatusPreparing:      "Em preparo",
	OrderStatusReady:          "Pronto",
	OrderStatusOutForDelivery: "Saiu para entrega",
	OrderStatusCompleted:      "Concluído",
	OrderStatusCanceled:       "Cancelado",
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.IsValid() {
		return "", apperrors.NewValidationError("invalid order status", apperrors.ValidationDetail{
			Field:   "status",
			Message: fmt.Sprintf("%q is not a known order status", s),
		})
	}
	return status, nil
}

func (s OrderStatus) IsValid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s.IsValid() && len(orderTransitions[s]) == 0
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step.
func (s OrderStatus) NextStatuses() []OrderStatus {
	next := orderTransitions[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

func (s OrderStatus) Label() string {
	if label, ok := orderStatusLabels[s]; ok {
		return label
	}
	return string(s)
}
