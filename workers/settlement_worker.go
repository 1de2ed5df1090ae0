package workers

import (
	"context"
	"log"
	"time"

	"affiliate-engine/models"
	"affiliate-engine/services"

	"gorm.io/gorm"
)

// SettlementSweepWorker is the reconciliation side of the commission
// pipeline. An order is confirmed first and settled second; if the process
// dies in between, the order sits CONFIRMED with a null settled_at. The
// sweep re-runs settlement for any such order older than a grace period;
// Settle is idempotent, so re-running a half-finished order is safe.
type SettlementSweepWorker struct {
	DB         *gorm.DB
	Commission *services.CommissionService
	Interval   time.Duration
	Grace      time.Duration
}

func NewSettlementSweepWorker(db *gorm.DB, commission *services.CommissionService, interval, grace time.Duration) *SettlementSweepWorker {
	return &SettlementSweepWorker{
		DB:         db,
		Commission: commission,
		Interval:   interval,
		Grace:      grace,
	}
}

func (w *SettlementSweepWorker) Start(ctx context.Context) {
	log.Println("[SWEEP] Starting settlement reconciliation sweep...")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SWEEP] Settlement sweep stopped.")
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *SettlementSweepWorker) sweep() {
	cutoff := time.Now().Add(-w.Grace)

	var orders []models.Order
	err := w.DB.Where("status = ? AND settled_at IS NULL AND confirmed_at <= ?", models.OrderStatusConfirmed, cutoff).
		Order("confirmed_at ASC").
		Limit(100).
		Find(&orders).Error
	if err != nil {
		log.Printf("[SWEEP] DB error: %v", err)
		return
	}
	if len(orders) == 0 {
		return
	}

	log.Printf("[SWEEP] Found %d unsettled confirmed order(s)", len(orders))
	for _, o := range orders {
		if _, err := w.Commission.Settle(o.ID); err != nil {
			log.Printf("[SWEEP] Settlement for order %s failed: %v", o.ID, err)
		}
	}
}
