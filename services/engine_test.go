package services_test

import (
	"testing"
	"time"

	"affiliate-engine/models"
	"affiliate-engine/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func testConfig() *services.EngineConfig {
	return &services.EngineConfig{
		DirectRate:         decimal.RequireFromString("0.10"),
		GroupRate:          decimal.RequireFromString("0.08"),
		ManagementRate:     decimal.RequireFromString("0.02"),
		ManagementCap:      decimal.NewFromInt(200),
		ManagementMinDepth: 3,
		MatchThreshold:     decimal.NewFromInt(50),
		RankPolicies: map[models.PackageRank]services.RankPolicy{
			models.RankTier1: {Threshold: decimal.NewFromInt(100), RequiredRatio: decimal.RequireFromString("0.1")},
			models.RankTier2: {Threshold: decimal.NewFromInt(500), RequiredRatio: decimal.RequireFromString("0.1")},
		},
		SettlementInterval: time.Minute,
		SweepInterval:      time.Minute,
		SweepGracePeriod:   time.Minute,
	}
}

type engine struct {
	db         *gorm.DB
	cfg        *services.EngineConfig
	audit      *services.AuditService
	tree       *services.TreeService
	policy     *services.ReconsumptionPolicy
	ledger     *services.LedgerService
	commission *services.CommissionService
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	db := newTestDB(t)
	cfg := testConfig()
	audit := services.NewAuditService(db)
	tree := services.NewTreeService(db, audit)
	policy := services.NewReconsumptionPolicy(cfg)
	ledger := services.NewLedgerService(db, audit)
	commission := services.NewCommissionService(db, tree, policy, ledger, audit, cfg)

	return &engine{
		db:         db,
		cfg:        cfg,
		audit:      audit,
		tree:       tree,
		policy:     policy,
		ledger:     ledger,
		commission: commission,
	}
}

// seedMember inserts a tree node directly, bypassing slot resolution, so
// tests can build exact tree shapes.
func seedMember(t *testing.T, db *gorm.DB, id string, parentID *string, pos *models.Leg, sponsorID *string, rank models.PackageRank) *models.Member {
	t.Helper()

	m := models.Member{
		ID:           id,
		DisplayName:  "member " + id[:8],
		ParentID:     parentID,
		Position:     pos,
		SponsorID:    sponsorID,
		PackageRank:  rank,
		ReferralCode: "ref-" + id,
		Active:       true,
	}
	require.NoError(t, db.Create(&m).Error)
	return &m
}

func seedConfirmedOrder(t *testing.T, db *gorm.DB, id, buyerID string, total decimal.Decimal) *models.Order {
	t.Helper()

	now := time.Now()
	o := models.Order{
		ID:          id,
		BuyerID:     buyerID,
		TotalValue:  total,
		Status:      models.OrderStatusConfirmed,
		ConfirmedAt: &now,
	}
	require.NoError(t, db.Create(&o).Error)
	return &o
}

func leg(l models.Leg) *models.Leg { return &l }

func reloadMember(t *testing.T, db *gorm.DB, id string) *models.Member {
	t.Helper()

	var m models.Member
	require.NoError(t, db.First(&m, "id = ?", id).Error)
	return &m
}
