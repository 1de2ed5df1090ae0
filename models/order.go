package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is the engine's intake record for a confirmed purchase. The order
// service owns the order itself (line items, payment); we keep the fields
// commission settlement needs, plus SettledAt as the outbox marker: a
// CONFIRMED order with SettledAt = null is still owed a settlement run and
// gets picked up by the reconciliation worker after a crash.
type Order struct {
	ID         string          `gorm:"primaryKey;type:uuid" json:"id"`
	BuyerID    string          `gorm:"type:uuid;not null;index" json:"buyer_id"`
	TotalValue decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"total_value"`
	Status     OrderStatus     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`

	// Set once, atomically, at confirmation time by the commission engine.
	IsReconsumption bool `gorm:"not null;default:false" json:"is_reconsumption"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	SettledAt   *time.Time `gorm:"index" json:"settled_at,omitempty"`

	Timestamps
}
