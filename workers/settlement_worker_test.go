package workers

import (
	"testing"
	"time"

	"affiliate-engine/models"
	"affiliate-engine/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSweepFixture(t *testing.T) (*gorm.DB, *SettlementSweepWorker) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Member{},
		&models.Order{},
		&models.CommissionEntry{},
		&models.PayoutBatch{},
		&models.PayoutTransfer{},
		&models.AuditLog{},
	))

	cfg, err := services.LoadEngineConfig()
	require.NoError(t, err)
	audit := services.NewAuditService(db)
	tree := services.NewTreeService(db, audit)
	policy := services.NewReconsumptionPolicy(cfg)
	ledger := services.NewLedgerService(db, audit)
	commission := services.NewCommissionService(db, tree, policy, ledger, audit, cfg)

	return db, NewSettlementSweepWorker(db, commission, time.Minute, time.Minute)
}

func TestSweep_SettlesStaleConfirmedOrders(t *testing.T) {
	db, w := newSweepFixture(t)

	sponsor := models.Member{ID: uuid.NewString(), DisplayName: "s", ReferralCode: "ref-s", PackageRank: models.RankTier1, Active: true}
	require.NoError(t, db.Create(&sponsor).Error)
	pos := models.LegLeft
	buyer := models.Member{ID: uuid.NewString(), DisplayName: "b", ReferralCode: "ref-b", ParentID: &sponsor.ID, Position: &pos, SponsorID: &sponsor.ID, Active: true}
	require.NoError(t, db.Create(&buyer).Error)

	confirmedAt := time.Now().Add(-time.Hour)
	order := models.Order{
		ID:          uuid.NewString(),
		BuyerID:     buyer.ID,
		TotalValue:  decimal.NewFromInt(1000),
		Status:      models.OrderStatusConfirmed,
		ConfirmedAt: &confirmedAt,
	}
	require.NoError(t, db.Create(&order).Error)

	w.sweep()

	var got models.Order
	require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
	assert.NotNil(t, got.SettledAt, "stale confirmed order must be settled by the sweep")

	var count int64
	require.NoError(t, db.Model(&models.CommissionEntry{}).Where("order_id = ?", order.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count, "direct commission created by the sweep")
}

func TestSweep_RespectsGracePeriod(t *testing.T) {
	db, w := newSweepFixture(t)

	buyer := models.Member{ID: uuid.NewString(), DisplayName: "b", ReferralCode: "ref-b2", Active: true}
	require.NoError(t, db.Create(&buyer).Error)

	confirmedAt := time.Now() // fresher than the grace period
	order := models.Order{
		ID:          uuid.NewString(),
		BuyerID:     buyer.ID,
		TotalValue:  decimal.NewFromInt(100),
		Status:      models.OrderStatusConfirmed,
		ConfirmedAt: &confirmedAt,
	}
	require.NoError(t, db.Create(&order).Error)

	w.sweep()

	var got models.Order
	require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
	assert.Nil(t, got.SettledAt, "order inside the grace period is left for the settle call")
}
