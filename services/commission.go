package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"affiliate-engine/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrBuyerNotFound     = errors.New("buyer not found")
	ErrOrderNotConfirmed = errors.New("order is not confirmed")
)

// errOrderAlreadySettled aborts a settlement transaction that lost the
// settled_at claim to a concurrent run. Callers treat it as a replay.
var errOrderAlreadySettled = errors.New("order already settled")

// CommissionService turns a confirmed order into PENDING ledger entries:
// direct for the sponsor, group for ancestors whose legs match enough
// volume, management for senior ancestors. All counter mutations and entry
// creation for one order happen inside a single transaction, committed
// together with the order's SettledAt marker, so a crash mid-settlement
// leaves the order eligible for the reconciliation sweep.
type CommissionService struct {
	DB     *gorm.DB
	Tree   *TreeService
	Policy *ReconsumptionPolicy
	Ledger *LedgerService
	Audit  *AuditService
	Config *EngineConfig
}

func NewCommissionService(db *gorm.DB, tree *TreeService, policy *ReconsumptionPolicy, ledger *LedgerService, audit *AuditService, cfg *EngineConfig) *CommissionService {
	return &CommissionService{DB: db, Tree: tree, Policy: policy, Ledger: ledger, Audit: audit, Config: cfg}
}

// Settle computes and persists the commission entries for one CONFIRMED
// order. Idempotent: an already-settled order returns its existing entries
// untouched, and the ledger's unique triple backstops any replays. A
// failure to compute one ancestor's commission is logged and skipped; only
// buyer resolution failure aborts the order entirely.
func (s *CommissionService) Settle(orderID string) ([]models.CommissionEntry, error) {
	var order models.Order
	if err := s.DB.First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s not found", orderID)
		}
		return nil, err
	}
	if order.Status != models.OrderStatusConfirmed {
		return nil, ErrOrderNotConfirmed
	}
	if order.SettledAt != nil {
		return s.entriesForOrder(order.ID)
	}

	var buyer models.Member
	if err := s.DB.First(&buyer, "id = ?", order.BuyerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBuyerNotFound
		}
		return nil, err
	}

	// One consistent snapshot of the ancestor chain for the whole order.
	ancestors, err := s.Tree.AncestorsOf(buyer.ID, 0)
	if err != nil {
		return nil, err
	}

	var created []models.CommissionEntry
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var txErr error
		created, txErr = s.settleInTx(tx, &order, &buyer, ancestors)
		return txErr
	})
	if errors.Is(err, errOrderAlreadySettled) {
		// A concurrent settlement (handler retry racing the sweep) won the
		// claim; the order is fully settled, just not by us.
		return s.entriesForOrder(order.ID)
	}
	if err != nil {
		return nil, err
	}

	s.Audit.Record("order.settled", "order", order.ID, "engine", map[string]any{
		"buyer_id": order.BuyerID,
		"entries":  len(created),
	})
	log.Printf("[COMMISSION] Settled order %s: %d entries", order.ID, len(created))
	return created, nil
}

// settleInTx applies one order's settlement inside tx. The conditional
// settled_at claim is the concurrency gate: two racing settlements both
// pass the pre-read of the order, but only one wins the guarded update,
// and the loser aborts before touching any counter.
func (s *CommissionService) settleInTx(tx *gorm.DB, order *models.Order, buyer *models.Member, ancestors []AncestorLink) ([]models.CommissionEntry, error) {
	isRecon := s.Policy.IsReconsumption(buyer)

	claim := tx.Model(&models.Order{}).
		Where("id = ? AND settled_at IS NULL", order.ID).
		Updates(map[string]any{
			"is_reconsumption": isRecon,
			"settled_at":       time.Now(),
		})
	if claim.Error != nil {
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil, errOrderAlreadySettled
	}

	buyerUpdates := map[string]any{
		"cumulative_purchase_volume": gorm.Expr("cumulative_purchase_volume + ?", order.TotalValue),
	}
	if isRecon {
		buyerUpdates["cumulative_reconsumption_volume"] = gorm.Expr("cumulative_reconsumption_volume + ?", order.TotalValue)
	}
	if err := tx.Model(&models.Member{}).Where("id = ?", buyer.ID).Updates(buyerUpdates).Error; err != nil {
		return nil, err
	}

	var created []models.CommissionEntry
	if direct := s.settleDirect(tx, order, buyer); direct != nil {
		created = append(created, *direct)
	}
	created = append(created, s.settleGroup(tx, order, ancestors)...)
	created = append(created, s.settleManagement(tx, order, ancestors)...)
	return created, nil
}

// settleDirect credits the buyer's immediate sponsor a flat percentage of
// the order value, gated by the sponsor's reconsumption standing.
func (s *CommissionService) settleDirect(tx *gorm.DB, order *models.Order, buyer *models.Member) *models.CommissionEntry {
	if buyer.SponsorID == nil {
		return nil
	}
	var sponsor models.Member
	if err := tx.First(&sponsor, "id = ?", *buyer.SponsorID).Error; err != nil {
		log.Printf("[COMMISSION] Order %s: sponsor %s unresolved, skipping direct: %v", order.ID, *buyer.SponsorID, err)
		return nil
	}
	if !s.Policy.CommissionAllowed(&sponsor) {
		log.Printf("[COMMISSION] Order %s: sponsor %s in reconsumption arrears, direct withheld", order.ID, sponsor.ID)
		return nil
	}

	amount := order.TotalValue.Mul(s.Config.DirectRate)
	if !amount.IsPositive() {
		return nil
	}
	return s.createEntry(tx, order, sponsor.ID, models.CommissionTypeDirect, amount)
}

// settleGroup walks the ancestor chain crediting the order's volume into
// the leg it arrived from, then pays out matched volume. The match rule:
// matched = min(left, right) unmatched volume; once matched reaches the
// configured threshold, the ancestor earns groupRate × matched and the
// matched amount is consumed from both counters so the same volume can
// never match twice. The decrement is conditional on the counters still
// covering the matched amount, which keeps concurrent settlements over a
// shared ancestor from double-consuming.
func (s *CommissionService) settleGroup(tx *gorm.DB, order *models.Order, ancestors []AncestorLink) []models.CommissionEntry {
	var entries []models.CommissionEntry
	for _, link := range ancestors {
		entry, err := s.settleGroupForAncestor(tx, order, link)
		if err != nil {
			log.Printf("[COMMISSION] Order %s: group computation for ancestor %s failed, skipping: %v", order.ID, link.Member.ID, err)
			continue
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries
}

func (s *CommissionService) settleGroupForAncestor(tx *gorm.DB, order *models.Order, link AncestorLink) (*models.CommissionEntry, error) {
	column := "left_subtree_volume"
	if link.Via == models.LegRight {
		column = "right_subtree_volume"
	}
	if err := tx.Model(&models.Member{}).Where("id = ?", link.Member.ID).
		Update(column, gorm.Expr(column+" + ?", order.TotalValue)).Error; err != nil {
		return nil, err
	}

	var ancestor models.Member
	if err := tx.First(&ancestor, "id = ?", link.Member.ID).Error; err != nil {
		return nil, err
	}

	matched := decimal.Min(ancestor.LeftSubtreeVolume, ancestor.RightSubtreeVolume)
	if matched.LessThan(s.Config.MatchThreshold) {
		return nil, nil
	}
	if !s.Policy.CommissionAllowed(&ancestor) {
		log.Printf("[COMMISSION] Order %s: ancestor %s in reconsumption arrears, group withheld", order.ID, ancestor.ID)
		return nil, nil
	}

	// Consume the matched volume from both legs, but only if both counters
	// still cover it.
	res := tx.Model(&models.Member{}).
		Where("id = ? AND left_subtree_volume >= ? AND right_subtree_volume >= ?", ancestor.ID, matched, matched).
		Updates(map[string]any{
			"left_subtree_volume":  gorm.Expr("left_subtree_volume - ?", matched),
			"right_subtree_volume": gorm.Expr("right_subtree_volume - ?", matched),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Another settlement consumed the match first; this order's volume
		// stays credited and will match later.
		return nil, nil
	}

	amount := matched.Mul(s.Config.GroupRate)
	if !amount.IsPositive() {
		return nil, nil
	}
	return s.createEntry(tx, order, ancestor.ID, models.CommissionTypeGroup, amount), nil
}

// settleManagement pays senior ancestors (deeper than the configured depth,
// or holding the top rank) a small flat percentage of the order, with the
// order's total management payout capped.
func (s *CommissionService) settleManagement(tx *gorm.DB, order *models.Order, ancestors []AncestorLink) []models.CommissionEntry {
	var entries []models.CommissionEntry
	remaining := s.Config.ManagementCap

	for depth, link := range ancestors {
		qualifies := depth+1 > s.Config.ManagementMinDepth || link.Member.PackageRank == models.RankTier2
		if !qualifies {
			continue
		}
		if !remaining.IsPositive() {
			break
		}

		var ancestor models.Member
		if err := tx.First(&ancestor, "id = ?", link.Member.ID).Error; err != nil {
			log.Printf("[COMMISSION] Order %s: management lookup for %s failed, skipping: %v", order.ID, link.Member.ID, err)
			continue
		}
		if !s.Policy.CommissionAllowed(&ancestor) {
			continue
		}

		amount := decimal.Min(order.TotalValue.Mul(s.Config.ManagementRate), remaining)
		if !amount.IsPositive() {
			continue
		}
		if entry := s.createEntry(tx, order, ancestor.ID, models.CommissionTypeManagement, amount); entry != nil {
			entries = append(entries, *entry)
			remaining = remaining.Sub(amount)
		}
	}
	return entries
}

func (s *CommissionService) createEntry(tx *gorm.DB, order *models.Order, beneficiaryID string, typ models.CommissionType, amount decimal.Decimal) *models.CommissionEntry {
	entry := models.CommissionEntry{
		ID:            uuid.NewString(),
		OrderID:       order.ID,
		BeneficiaryID: beneficiaryID,
		Type:          typ,
		OriginatorID:  order.BuyerID,
		Amount:        amount,
		Status:        models.CommissionStatusPending,
	}
	err := s.Ledger.CreateEntry(tx, &entry)
	if errors.Is(err, ErrDuplicateEntry) {
		// Replay of an already-credited (order, beneficiary, type): no-op.
		return nil
	}
	if err != nil {
		log.Printf("[COMMISSION] Order %s: failed to create %s entry for %s: %v", order.ID, typ, beneficiaryID, err)
		return nil
	}
	return &entry
}

func (s *CommissionService) entriesForOrder(orderID string) ([]models.CommissionEntry, error) {
	var entries []models.CommissionEntry
	if err := s.DB.Where("order_id = ?", orderID).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// RegisterOrder upserts the engine's intake record for an order at its
// CONFIRMED transition. Safe to call more than once.
func (s *CommissionService) RegisterOrder(orderID, buyerID string, totalValue decimal.Decimal) (*models.Order, error) {
	var order models.Order
	err := s.DB.First(&order, "id = ?", orderID).Error
	if err == nil {
		return &order, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	order = models.Order{
		ID:          orderID,
		BuyerID:     buyerID,
		TotalValue:  totalValue,
		Status:      models.OrderStatusConfirmed,
		ConfirmedAt: &now,
	}
	if err := s.DB.Create(&order).Error; err != nil {
		if isUniqueViolation(err) {
			// Concurrent registration of the same order; reread it.
			if err := s.DB.First(&order, "id = ?", orderID).Error; err != nil {
				return nil, err
			}
			return &order, nil
		}
		return nil, err
	}
	return &order, nil
}
