package dto

import (
	"time"

	"palantir/internal/domain"
	"palantir/internal/order/stream"
	"palantir/internal/phone"
	"palantir/internal/printing"
)

type OrderItemDTO struct {
	ProductID   int    `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	LineTotal   string `json:"lineTotal"`
}

type OrderDTO struct {
	ID              uint           `json:"id"`
	OrderNumber     int            `json:"orderNumber"`
	Status          string         `json:"status"`
	StatusLabel     string         `json:"statusLabel"`
	NextStatuses    []string       `json:"nextStatuses"`
	CustomerName    string         `json:"customerName"`
	CustomerPhone   string         `json:"customerPhone,omitempty"`
	CustomerAddress string         `json:"customerAddress,omitempty"`
	Items           []OrderItemDTO `json:"items"`
	PaymentMethod   string         `json:"paymentMethod"`
	Subtotal        string         `json:"subtotal"`
	DeliveryFee     string         `json:"deliveryFee"`
	Total           string         `json:"total"`
	TotalDisplay    string         `json:"totalDisplay"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

type OrdersResponse struct {
	TraceID    string             `json:"traceId"`
	Loaded     bool               `json:"loaded"`
	Orders     []OrderDTO         `json:"orders"`
	Rejections []stream.Rejection `json:"rejections"`
}

type OrderResponse struct {
	TraceID string   `json:"traceId"`
	Order   OrderDTO `json:"order"`
}

func NewOrderDTO(o domain.Order) OrderDTO {
	items := make([]OrderItemDTO, len(o.Items))
	for i, item := range o.Items {
		items[i] = OrderItemDTO{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.StringFixed(2),
			LineTotal:   item.LineTotal().StringFixed(2),
		}
	}

	next := o.Status.NextStatuses()
	nextStatuses := make([]string, len(next))
	for i, s := range next {
		nextStatuses[i] = string(s)
	}

	dto := OrderDTO{
		ID:            o.ID,
		OrderNumber:   o.OrderNumber,
		Status:        string(o.Status),
		StatusLabel:   o.Status.Label(),
		NextStatuses:  nextStatuses,
		CustomerName:  o.CustomerName,
		Items:         items,
		PaymentMethod: o.PaymentMethod,
		Subtotal:      o.Subtotal.StringFixed(2),
		DeliveryFee:   o.DeliveryFee.StringFixed(2),
		Total:         o.Total.StringFixed(2),
		TotalDisplay:  printing.FormatBRL(o.Total),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.CustomerPhone != nil {
		dto.CustomerPhone = phone.Format(*o.CustomerPhone)
	}
	if o.CustomerAddress != nil {
		dto.CustomerAddress = *o.CustomerAddress
	}
	return dto
}

func NewOrderDTOs(orders []domain.Order) []OrderDTO {
	out := make([]OrderDTO, len(orders))
	for i, o := range orders {
		out[i] = NewOrderDTO(o)
	}
	return out
}
