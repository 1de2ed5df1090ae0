package services_test

import (
	"testing"
	"time"

	"affiliate-engine/models"
	"affiliate-engine/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntry(t *testing.T, e *engine, orderID, beneficiaryID string, typ models.CommissionType, status models.CommissionStatus, createdAt time.Time) *models.CommissionEntry {
	t.Helper()

	entry := models.CommissionEntry{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		BeneficiaryID: beneficiaryID,
		Type:          typ,
		OriginatorID:  uuid.NewString(),
		Amount:        decimal.NewFromInt(10),
		Status:        status,
	}
	require.NoError(t, e.db.Create(&entry).Error)
	// autoCreateTime wins on insert; pin the timestamp explicitly.
	require.NoError(t, e.db.Model(&entry).Update("created_at", createdAt).Error)
	entry.CreatedAt = createdAt
	return &entry
}

func TestCreateEntry_DuplicateTripleIsNoOp(t *testing.T) {
	e := newEngine(t)
	orderID, beneficiaryID := uuid.NewString(), uuid.NewString()

	first := models.CommissionEntry{
		ID: uuid.NewString(), OrderID: orderID, BeneficiaryID: beneficiaryID,
		Type: models.CommissionTypeDirect, OriginatorID: uuid.NewString(),
		Amount: decimal.NewFromInt(100), Status: models.CommissionStatusPending,
	}
	require.NoError(t, e.ledger.CreateEntry(nil, &first))

	dup := models.CommissionEntry{
		ID: uuid.NewString(), OrderID: orderID, BeneficiaryID: beneficiaryID,
		Type: models.CommissionTypeDirect, OriginatorID: uuid.NewString(),
		Amount: decimal.NewFromInt(999), Status: models.CommissionStatusPending,
	}
	err := e.ledger.CreateEntry(nil, &dup)
	assert.ErrorIs(t, err, services.ErrDuplicateEntry)

	var count int64
	require.NoError(t, e.db.Model(&models.CommissionEntry{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestApprove_FromPending(t *testing.T) {
	e := newEngine(t)
	entry := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusPending, time.Now())

	require.NoError(t, e.ledger.Approve(entry.ID, "admin-1"))

	var got models.CommissionEntry
	require.NoError(t, e.db.First(&got, "id = ?", entry.ID).Error)
	assert.Equal(t, models.CommissionStatusApproved, got.Status)
}

func TestReject_SetsReason(t *testing.T) {
	e := newEngine(t)
	entry := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusPending, time.Now())

	require.NoError(t, e.ledger.Reject(entry.ID, "admin-1", "suspicious volume"))

	var got models.CommissionEntry
	require.NoError(t, e.db.First(&got, "id = ?", entry.ID).Error)
	assert.Equal(t, models.CommissionStatusRejected, got.Status)
	assert.Equal(t, "suspicious volume", got.RejectReason)
}

func TestTransitions_IllegalFromTerminalStates(t *testing.T) {
	e := newEngine(t)

	paid := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusPaid, time.Now())
	err := e.ledger.Approve(paid.ID, "admin-1")
	assert.ErrorIs(t, err, services.ErrInvalidStateTransition)

	rejected := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusRejected, time.Now())
	err = e.ledger.Reject(rejected.ID, "admin-1", "again")
	assert.ErrorIs(t, err, services.ErrInvalidStateTransition)

	approved := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusApproved, time.Now())
	err = e.ledger.Approve(approved.ID, "admin-1")
	assert.ErrorIs(t, err, services.ErrInvalidStateTransition)
}

func TestApprove_MissingEntry(t *testing.T) {
	e := newEngine(t)

	err := e.ledger.Approve(uuid.NewString(), "admin-1")
	assert.ErrorIs(t, err, services.ErrEntryNotFound)
}

func TestListApprovedForPayout_OldestFirstUnbatched(t *testing.T) {
	e := newEngine(t)
	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	newest := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusApproved, base.Add(2*time.Hour))
	oldest := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusApproved, base)
	middle := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusApproved, base.Add(time.Hour))

	// Noise that must be excluded: wrong status, already batched, or
	// created after the cutoff.
	seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusPending, base)
	batched := seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusApproved, base)
	require.NoError(t, e.db.Model(batched).Update("batch_id", uuid.NewString()).Error)
	seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusApproved, base.Add(3*time.Hour))

	got, err := e.ledger.ListApprovedForPayout(base.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, oldest.ID, got[0].ID)
	assert.Equal(t, middle.ID, got[1].ID)
	assert.Equal(t, newest.ID, got[2].ID)
}

func TestListEntriesForMember_StatusFilter(t *testing.T) {
	e := newEngine(t)
	beneficiary := uuid.NewString()

	seedEntry(t, e, uuid.NewString(), beneficiary, models.CommissionTypeDirect, models.CommissionStatusPending, time.Now())
	seedEntry(t, e, uuid.NewString(), beneficiary, models.CommissionTypeGroup, models.CommissionStatusRejected, time.Now())
	seedEntry(t, e, uuid.NewString(), uuid.NewString(), models.CommissionTypeDirect, models.CommissionStatusPending, time.Now())

	all, err := e.ledger.ListEntriesForMember(beneficiary, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rejected := models.CommissionStatusRejected
	got, err := e.ledger.ListEntriesForMember(beneficiary, &rejected, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.CommissionTypeGroup, got[0].Type)
}
