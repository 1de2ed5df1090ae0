package models

import (
	"github.com/shopspring/decimal"
)

type PayoutBatchStatus string

const (
	PayoutBatchStatusOpen      PayoutBatchStatus = "open"
	PayoutBatchStatusSubmitted PayoutBatchStatus = "submitted"
	PayoutBatchStatusConfirmed PayoutBatchStatus = "confirmed"
	PayoutBatchStatusFailed    PayoutBatchStatus = "failed"
)

// PayoutBatch is one settlement run. Entries are grouped per beneficiary
// wallet into PayoutTransfer rows (one on-chain transfer per beneficiary
// per batch). TxHash holds the last successful transfer's hash; per-transfer
// hashes live on the transfer rows.
type PayoutBatch struct {
	ID          string            `gorm:"primaryKey;type:uuid" json:"id"`
	Status      PayoutBatchStatus `gorm:"type:varchar(16);not null;default:'open';index" json:"status"`
	EntryCount  int               `gorm:"not null;default:0" json:"entry_count"`
	TotalAmount decimal.Decimal   `gorm:"type:numeric(20,8);not null;default:0" json:"total_amount"`
	TxHash      string            `gorm:"type:varchar(128)" json:"tx_hash,omitempty"`
	ReportURL   string            `gorm:"type:text" json:"report_url,omitempty"` // archived settlement report

	Timestamps
}

type PayoutTransferStatus string

const (
	PayoutTransferStatusPaid   PayoutTransferStatus = "paid"
	PayoutTransferStatusFailed PayoutTransferStatus = "failed"
)

// PayoutTransfer is the per-beneficiary sub-result of a batch. A failed
// transfer leaves its entries APPROVED for the next run; it never blocks
// the other transfers in the batch.
type PayoutTransfer struct {
	ID            string               `gorm:"primaryKey;type:uuid" json:"id"`
	BatchID       string               `gorm:"type:uuid;not null;index" json:"batch_id"`
	BeneficiaryID string               `gorm:"type:uuid;not null;index" json:"beneficiary_id"`
	WalletAddress string               `gorm:"type:varchar(128)" json:"wallet_address"`
	Amount        decimal.Decimal      `gorm:"type:numeric(20,8);not null" json:"amount"`
	EntryIDs      string               `gorm:"type:text;not null" json:"entry_ids"` // comma-joined entry ids
	Status        PayoutTransferStatus `gorm:"type:varchar(16);not null" json:"status"`
	TxHash        string               `gorm:"type:varchar(128)" json:"tx_hash,omitempty"`
	FailReason    string               `gorm:"type:text" json:"fail_reason,omitempty"`

	Timestamps
}
