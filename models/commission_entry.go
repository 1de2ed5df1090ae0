package models

import (
	"github.com/shopspring/decimal"
)

// CommissionType indicates which rule produced the entry
type CommissionType string

const (
	CommissionTypeDirect     CommissionType = "direct"
	CommissionTypeGroup      CommissionType = "group"
	CommissionTypeManagement CommissionType = "management"
)

// CommissionStatus is the entry lifecycle:
// pending → {approved, rejected}; approved → paid (or back to approved on a
// failed payout). paid and rejected are terminal.
type CommissionStatus string

const (
	CommissionStatusPending  CommissionStatus = "pending"
	CommissionStatusApproved CommissionStatus = "approved"
	CommissionStatusRejected CommissionStatus = "rejected"
	CommissionStatusPaid     CommissionStatus = "paid"
)

// CommissionEntry is one beneficiary's share of one order. The unique index
// on (order_id, beneficiary_id, type) is the idempotency guard: re-settling
// an order can never double-credit anyone. Entries are never deleted;
// rejected ones stay for audit.
type CommissionEntry struct {
	ID            string           `gorm:"primaryKey;type:uuid" json:"id"`
	OrderID       string           `gorm:"type:uuid;not null;index:idx_order_beneficiary_type,unique" json:"order_id"`
	BeneficiaryID string           `gorm:"type:uuid;not null;index:idx_order_beneficiary_type,unique;index" json:"beneficiary_id"`
	Type          CommissionType   `gorm:"type:varchar(16);not null;index:idx_order_beneficiary_type,unique" json:"type"`
	OriginatorID  string           `gorm:"type:uuid;not null" json:"originator_id"` // buyer whose purchase generated it
	Amount        decimal.Decimal  `gorm:"type:numeric(20,8);not null" json:"amount"`
	Status        CommissionStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	RejectReason  string           `gorm:"type:text" json:"reject_reason,omitempty"`
	BatchID       *string          `gorm:"type:uuid;index" json:"batch_id,omitempty"` // set when paid in a batch

	Timestamps
}
