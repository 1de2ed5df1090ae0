package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Leg is a slot position under a parent in the binary genealogy tree
type Leg string

const (
	LegLeft  Leg = "left"
	LegRight Leg = "right"
)

// PackageRank is the purchased package tier that drives reconsumption rules
type PackageRank string

const (
	RankNone  PackageRank = "none"
	RankTier1 PackageRank = "tier1"
	RankTier2 PackageRank = "tier2"
)

// Member mirrors a user of the platform as a node in the binary tree.
// ID is the external user ID; the identity record itself is owned by the
// auth service; this table only owns placement and commission counters.
// ParentID + Position form the adjacency: a member has at most one left and
// one right child, enforced by the (parent_id, position) unique index.
type Member struct {
	ID          string      `gorm:"primaryKey;type:uuid" json:"id"`
	DisplayName string      `gorm:"not null" json:"display_name"`
	ParentID    *string     `gorm:"type:uuid;index:idx_parent_slot,unique" json:"parent_id,omitempty"`
	Position    *Leg        `gorm:"type:varchar(8);index:idx_parent_slot,unique" json:"position,omitempty"`
	SponsorID   *string     `gorm:"type:uuid;index" json:"sponsor_id,omitempty"` // referrer, not necessarily the tree parent
	PackageRank PackageRank `gorm:"type:varchar(16);not null;default:'none'" json:"package_rank"`

	ReferralCode string `gorm:"uniqueIndex;not null" json:"referral_code"`

	// Denormalized running totals. Single-writer discipline: only the
	// commission engine (inside a transaction, via atomic column updates)
	// and the settlement run may touch these.
	CumulativePurchaseVolume      decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"cumulative_purchase_volume"`
	CumulativeCommissionReceived  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"cumulative_commission_received"`
	CumulativeReconsumptionVolume decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"cumulative_reconsumption_volume"`

	// Unmatched binary volumes per leg. Group commission consumes the
	// matched portion of both, so these are "volume still waiting for a
	// match", not lifetime totals.
	LeftSubtreeVolume  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"left_subtree_volume"`
	RightSubtreeVolume decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"right_subtree_volume"`

	// Wallet mirror from the wallet service (sync worker keeps it fresh).
	WalletAddress  string     `gorm:"type:varchar(128);index" json:"wallet_address,omitempty"`
	WalletSyncedAt *time.Time `json:"wallet_synced_at,omitempty"`

	Active bool `gorm:"not null;default:true" json:"active"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
