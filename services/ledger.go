package services

import (
	"errors"
	"fmt"
	"time"

	"affiliate-engine/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDuplicateEntry         = errors.New("commission entry already exists for (order, beneficiary, type)")
	ErrEntryNotFound          = errors.New("commission entry not found")
	ErrInvalidStateTransition = errors.New("invalid commission entry state transition")
)

// LedgerService is the single source of truth for commission entry status.
// Writers are partitioned: the engine creates PENDING entries, admin actions
// move PENDING to APPROVED/REJECTED, and only the settlement run moves
// APPROVED to PAID.
type LedgerService struct {
	DB    *gorm.DB
	Audit *AuditService
}

func NewLedgerService(db *gorm.DB, audit *AuditService) *LedgerService {
	return &LedgerService{DB: db, Audit: audit}
}

// CreateEntry inserts a PENDING entry. The unique (order_id, beneficiary_id,
// type) index makes re-settlement of an order a no-op: a conflict comes back
// as ErrDuplicateEntry and callers treat it as success.
func (s *LedgerService) CreateEntry(tx *gorm.DB, entry *models.CommissionEntry) error {
	if tx == nil {
		tx = s.DB
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}, {Name: "beneficiary_id"}, {Name: "type"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateEntry
	}
	return nil
}

// Approve moves a PENDING entry to APPROVED. Legal only from PENDING.
func (s *LedgerService) Approve(entryID, actor string) error {
	return s.transition(entryID, actor, models.CommissionStatusPending, models.CommissionStatusApproved, "")
}

// Reject moves a PENDING entry to REJECTED with a reason the beneficiary
// can see. Legal only from PENDING.
func (s *LedgerService) Reject(entryID, actor, reason string) error {
	return s.transition(entryID, actor, models.CommissionStatusPending, models.CommissionStatusRejected, reason)
}

func (s *LedgerService) transition(entryID, actor string, from, to models.CommissionStatus, reason string) error {
	updates := map[string]any{"status": to}
	if reason != "" {
		updates["reject_reason"] = reason
	}

	res := s.DB.Model(&models.CommissionEntry{}).
		Where("id = ? AND status = ?", entryID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var entry models.CommissionEntry
		if err := s.DB.First(&entry, "id = ?", entryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		return fmt.Errorf("%w: %s -> %s (entry %s is %s)", ErrInvalidStateTransition, from, to, entryID, entry.Status)
	}

	s.Audit.Record("commission."+string(to), "commission_entry", entryID, actor, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	return nil
}

// ListApprovedForPayout returns APPROVED entries not yet assigned to a
// batch and created at or before the cutoff, oldest first so no beneficiary
// starves behind newer approvals.
func (s *LedgerService) ListApprovedForPayout(cutoff time.Time) ([]models.CommissionEntry, error) {
	var entries []models.CommissionEntry
	err := s.DB.
		Where("status = ? AND batch_id IS NULL AND created_at <= ?", models.CommissionStatusApproved, cutoff).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListEntriesForMember returns a beneficiary's entries, newest first,
// optionally filtered by status.
func (s *LedgerService) ListEntriesForMember(memberID string, status *models.CommissionStatus, limit int) ([]models.CommissionEntry, error) {
	q := s.DB.Where("beneficiary_id = ?", memberID).Order("created_at DESC")
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.CommissionEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// PendingSummary aggregates the amounts awaiting admin review, for the
// approval dashboard.
func (s *LedgerService) PendingSummary() (count int64, total decimal.Decimal, err error) {
	var entries []models.CommissionEntry
	if err = s.DB.Where("status = ?", models.CommissionStatusPending).Find(&entries).Error; err != nil {
		return 0, decimal.Zero, err
	}
	total = decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return int64(len(entries)), total, nil
}
