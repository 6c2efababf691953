package domain

import (
	"encoding/json"
	"time"
)

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

const (
	TableOrders = "Orders"
	TableAlerts = "WhatsappAlerts"
)

// ChangeEvent is one live row change for a tenant. Record carries the new row
// for insert/update; OldRecord carries at least the primary key for delete.
type ChangeEvent struct {
	Op              ChangeOp
	CompanyID       int
	Table           string
	Record          json.RawMessage
	OldRecord       json.RawMessage
	CommitTimestamp time.Time
}
