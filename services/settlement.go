package services

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"affiliate-engine/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrRunInProgress = errors.New("a settlement run is already active")

// SettlementService is the batch payout pipeline: it drains APPROVED ledger
// entries into per-beneficiary on-chain transfers. Exactly one run may be
// active at a time; a beneficiary whose transfer fails keeps their entries
// APPROVED for the next run and never blocks the rest of the batch.
type SettlementService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Audit  *AuditService
	Rail   PayoutRail
	Config *EngineConfig

	// Archive, when set, uploads the batch settlement report and returns
	// its URL. Failures are logged, never fatal to the run.
	Archive func(batchID string, report []byte) (string, error)

	runMu sync.Mutex
}

func NewSettlementService(db *gorm.DB, ledger *LedgerService, audit *AuditService, rail PayoutRail, cfg *EngineConfig) *SettlementService {
	return &SettlementService{DB: db, Ledger: ledger, Audit: audit, Rail: rail, Config: cfg}
}

// TransferResult is the per-beneficiary outcome of one run.
type TransferResult struct {
	BeneficiaryID string          `json:"beneficiary_id"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	EntryCount    int             `json:"entry_count"`
	Paid          bool            `json:"paid"`
	TxHash        string          `json:"tx_hash,omitempty"`
	FailReason    string          `json:"fail_reason,omitempty"`
}

// RunSummary is what a settlement run reports back: never an error for
// individual beneficiary failures, only for being unable to run at all.
type RunSummary struct {
	BatchID   string           `json:"batch_id"`
	Paid      int              `json:"paid"`
	Failed    int              `json:"failed"`
	PaidTotal decimal.Decimal  `json:"paid_total"`
	Transfers []TransferResult `json:"transfers"`
}

// StartScheduler runs settlement on the configured interval. Scheduler
// construction failure is fatal: a service that silently never settles is
// worse than one that refuses to boot.
func (s *SettlementService) StartScheduler() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("[SETTLEMENT] Failed to construct scheduler: %v", err)
	}
	sched.Start()

	_, err = sched.NewJob(
		gocron.DurationJob(s.Config.SettlementInterval),
		gocron.NewTask(func() {
			summary, err := s.RunOnce()
			if err != nil {
				if errors.Is(err, ErrRunInProgress) {
					log.Println("[SETTLEMENT] Previous run still active, skipping tick")
					return
				}
				log.Printf("[SETTLEMENT] Run failed: %v", err)
				return
			}
			if summary.Paid+summary.Failed > 0 {
				log.Printf("[SETTLEMENT] Batch %s: %d paid (%s), %d failed", summary.BatchID, summary.Paid, summary.PaidTotal, summary.Failed)
			}
		}),
	)
	if err != nil {
		log.Fatalf("[SETTLEMENT] Failed to schedule settlement job: %v", err)
	}
}

// RunOnce executes one settlement batch. Also the on-demand trigger.
func (s *SettlementService) RunOnce() (*RunSummary, error) {
	if !s.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	entries, err := s.Ledger.ListApprovedForPayout(time.Now())
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &RunSummary{PaidTotal: decimal.Zero}, nil
	}

	batch := models.PayoutBatch{
		ID:          uuid.NewString(),
		Status:      models.PayoutBatchStatusOpen,
		TotalAmount: decimal.Zero,
	}
	if err := s.DB.Create(&batch).Error; err != nil {
		return nil, err
	}

	// One transfer per beneficiary per batch, not per entry.
	groups := groupByBeneficiary(entries)

	s.DB.Model(&batch).Update("status", models.PayoutBatchStatusSubmitted)

	summary := &RunSummary{BatchID: batch.ID, PaidTotal: decimal.Zero}
	for _, g := range groups {
		result := s.settleGroupTransfer(&batch, g)
		summary.Transfers = append(summary.Transfers, result)
		if result.Paid {
			summary.Paid++
			summary.PaidTotal = summary.PaidTotal.Add(result.Amount)
		} else {
			summary.Failed++
		}
	}

	status := models.PayoutBatchStatusConfirmed
	if summary.Paid == 0 {
		status = models.PayoutBatchStatusFailed
	}
	batchUpdates := map[string]any{
		"status":       status,
		"entry_count":  countPaidEntries(summary),
		"total_amount": summary.PaidTotal,
	}
	if h := lastTxHash(summary); h != "" {
		batchUpdates["tx_hash"] = h
	}
	if err := s.DB.Model(&batch).Updates(batchUpdates).Error; err != nil {
		return nil, err
	}

	s.Audit.Record("batch."+string(status), "payout_batch", batch.ID, "scheduler", map[string]any{
		"paid":   summary.Paid,
		"failed": summary.Failed,
		"total":  summary.PaidTotal,
	})
	s.archiveReport(&batch, summary)
	return summary, nil
}

type beneficiaryGroup struct {
	BeneficiaryID string
	Entries       []models.CommissionEntry
	Total         decimal.Decimal
}

// groupByBeneficiary preserves oldest-first order across groups so earlier
// approvals settle in earlier rail calls.
func groupByBeneficiary(entries []models.CommissionEntry) []beneficiaryGroup {
	index := map[string]int{}
	var groups []beneficiaryGroup
	for _, e := range entries {
		i, ok := index[e.BeneficiaryID]
		if !ok {
			i = len(groups)
			index[e.BeneficiaryID] = i
			groups = append(groups, beneficiaryGroup{BeneficiaryID: e.BeneficiaryID, Total: decimal.Zero})
		}
		groups[i].Entries = append(groups[i].Entries, e)
		groups[i].Total = groups[i].Total.Add(e.Amount)
	}
	return groups
}

// settleGroupTransfer pays one beneficiary's aggregate and transitions
// their entries. Any failure leaves the entries APPROVED and records a
// failed transfer row; isolation is per beneficiary, not all-or-nothing.
func (s *SettlementService) settleGroupTransfer(batch *models.PayoutBatch, g beneficiaryGroup) TransferResult {
	result := TransferResult{
		BeneficiaryID: g.BeneficiaryID,
		Amount:        g.Total,
		EntryCount:    len(g.Entries),
	}

	ids := entryIDs(g.Entries)

	var member models.Member
	if err := s.DB.First(&member, "id = ?", g.BeneficiaryID).Error; err != nil || member.WalletAddress == "" {
		result.FailReason = "wallet_missing"
		s.recordTransfer(batch, &result, ids)
		return result
	}
	result.WalletAddress = member.WalletAddress

	// Claim the entries into this batch before any money moves, so a crash
	// or bookkeeping failure after a successful rail call can never leave
	// them eligible for a second payout.
	claim := s.DB.Model(&models.CommissionEntry{}).
		Where("id IN ? AND status = ? AND batch_id IS NULL", ids, models.CommissionStatusApproved).
		Update("batch_id", batch.ID)
	if claim.Error != nil || claim.RowsAffected != int64(len(ids)) {
		s.releaseClaim(batch, ids)
		result.FailReason = "batch_claim_failed"
		s.recordTransfer(batch, &result, ids)
		return result
	}

	txHash, err := s.Rail.Payout(member.WalletAddress, g.Total, batch.ID)
	if err != nil {
		log.Printf("[SETTLEMENT] Batch %s: payout to %s failed: %v", batch.ID, g.BeneficiaryID, err)
		s.releaseClaim(batch, ids)
		result.FailReason = err.Error()
		s.recordTransfer(batch, &result, ids)
		return result
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.CommissionEntry{}).
			Where("id IN ? AND status = ? AND batch_id = ?", ids, models.CommissionStatusApproved, batch.ID).
			Update("status", models.CommissionStatusPaid).Error; err != nil {
			return err
		}
		// The reconsumption gate reacts to paid money only, so the
		// cumulative credit happens here, not at PENDING.
		return tx.Model(&models.Member{}).Where("id = ?", g.BeneficiaryID).
			Update("cumulative_commission_received",
				gorm.Expr("cumulative_commission_received + ?", g.Total)).Error
	})
	if err != nil {
		// The chain transfer went through but our bookkeeping did not. The
		// batch_id claim stays on the entries, quarantining them from the
		// next run; surface loudly for operator reconciliation.
		log.Printf("[SETTLEMENT] Batch %s: payout to %s succeeded (tx %s) but ledger update failed: %v", batch.ID, g.BeneficiaryID, txHash, err)
		result.FailReason = "ledger_update_failed: " + err.Error()
		s.recordTransfer(batch, &result, ids)
		return result
	}

	result.Paid = true
	result.TxHash = txHash
	s.recordTransfer(batch, &result, ids)
	s.Audit.Record("commission.paid", "payout_transfer", batch.ID, "scheduler", map[string]any{
		"beneficiary_id": g.BeneficiaryID,
		"amount":         g.Total,
		"tx_hash":        txHash,
	})
	return result
}

// releaseClaim returns entries to the payout pool after a failure that
// happened before any money moved.
func (s *SettlementService) releaseClaim(batch *models.PayoutBatch, ids []string) {
	if err := s.DB.Model(&models.CommissionEntry{}).
		Where("id IN ? AND batch_id = ?", ids, batch.ID).
		Update("batch_id", nil).Error; err != nil {
		log.Printf("[SETTLEMENT] Batch %s: failed to release entry claim: %v", batch.ID, err)
	}
}

func (s *SettlementService) recordTransfer(batch *models.PayoutBatch, r *TransferResult, ids []string) {
	status := models.PayoutTransferStatusFailed
	if r.Paid {
		status = models.PayoutTransferStatusPaid
	}
	row := models.PayoutTransfer{
		ID:            uuid.NewString(),
		BatchID:       batch.ID,
		BeneficiaryID: r.BeneficiaryID,
		WalletAddress: r.WalletAddress,
		Amount:        r.Amount,
		EntryIDs:      strings.Join(ids, ","),
		Status:        status,
		TxHash:        r.TxHash,
		FailReason:    r.FailReason,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		log.Printf("[SETTLEMENT] Batch %s: failed to record transfer for %s: %v", batch.ID, r.BeneficiaryID, err)
	}
}

func (s *SettlementService) archiveReport(batch *models.PayoutBatch, summary *RunSummary) {
	if s.Archive == nil {
		return
	}
	report, err := json.MarshalIndent(struct {
		*RunSummary
		GeneratedAt time.Time `json:"generated_at"`
	}{summary, time.Now().UTC()}, "", "  ")
	if err != nil {
		return
	}
	url, err := s.Archive(batch.ID, report)
	if err != nil {
		log.Printf("[SETTLEMENT] Batch %s: report archive failed: %v", batch.ID, err)
		return
	}
	if err := s.DB.Model(batch).Update("report_url", url).Error; err != nil {
		log.Printf("[SETTLEMENT] Batch %s: failed to store report URL: %v", batch.ID, err)
	}
}

func entryIDs(entries []models.CommissionEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func countPaidEntries(summary *RunSummary) int {
	n := 0
	for _, t := range summary.Transfers {
		if t.Paid {
			n += t.EntryCount
		}
	}
	return n
}

func lastTxHash(summary *RunSummary) string {
	h := ""
	for _, t := range summary.Transfers {
		if t.Paid && t.TxHash != "" {
			h = t.TxHash
		}
	}
	return h
}
