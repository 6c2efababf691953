package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	apperrors "palantir/internal/errors"
)

type Order struct {
	ID              uint            `json:"id"`
	CompanyID       int             `json:"companyId"`
	OrderNumber     int             `json:"orderNumber"`
	Status          OrderStatus     `json:"status"`
	CustomerName    string          `json:"customerName"`
	CustomerPhone   *string         `json:"customerPhone"`
	CustomerAddress *string         `json:"customerAddress"`
	Items           OrderItems      `json:"items"`
	PaymentMethod   string          `json:"paymentMethod"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DeliveryFee     decimal.Decimal `json:"deliveryFee"`
	Total           decimal.Decimal `json:"total"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type OrderItem struct {
	ProductID   int             `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderItems is stored as a JSON column. Some change feeds deliver that column
// as a JSON-encoded string instead of an array, so both shapes are accepted.
type OrderItems []OrderItem

func (items *OrderItems) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		data = []byte(raw)
	}
	if string(data) == "null" || len(data) == 0 {
		*items = nil
		return nil
	}
	var decoded []OrderItem
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*items = decoded
	return nil
}

// Scan implements sql.Scanner for the items JSON column.
func (items *OrderItems) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*items = nil
		return nil
	case []byte:
		return items.UnmarshalJSON(v)
	case string:
		return items.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("unsupported items column type %T", src)
	}
}

// TotalMatches reports whether total == subtotal + delivery fee.
func (o Order) TotalMatches() bool {
	return o.Subtotal.Add(o.DeliveryFee).Equal(o.Total)
}

// Validate checks the record against the tenant it is being loaded for.
// Invalid records are reported and never corrected.
func (o Order) Validate(companyID int) error {
	id := strconv.FormatUint(uint64(o.ID), 10)
	if o.ID == 0 {
		return apperrors.NewDataIntegrityError("order", "", "missing id")
	}
	if o.CompanyID != companyID {
		return apperrors.NewDataIntegrityError("order", id, fmt.Sprintf("belongs to company %d, expected %d", o.CompanyID, companyID))
	}
	if !o.Status.IsValid() {
		return apperrors.NewDataIntegrityError("order", id, fmt.Sprintf("unknown status %q", o.Status))
	}
	for idx, item := range o.Items {
		if item.Quantity <= 0 {
			return apperrors.NewDataIntegrityError("order", id, fmt.Sprintf("item %d has non-positive quantity", idx))
		}
		if item.UnitPrice.IsNegative() {
			return apperrors.NewDataIntegrityError("order", id, fmt.Sprintf("item %d has negative unit price", idx))
		}
	}
	if !o.TotalMatches() {
		return apperrors.NewDataIntegrityError("order", id, fmt.Sprintf(
			"total %s does not match subtotal %s + delivery fee %s",
			o.Total.StringFixed(2), o.Subtotal.StringFixed(2), o.DeliveryFee.StringFixed(2),
		))
	}
	return nil
}
