package services_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"affiliate-engine/models"
	"affiliate-engine/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRail fails payouts for wallets listed in failWith and records calls.
type fakeRail struct {
	mu       sync.Mutex
	failWith map[string]error
	calls    []railCall
	block    chan struct{} // when set, Payout waits for it to close
	onCall   func()        // when set, invoked at the start of every Payout
}

type railCall struct {
	Wallet string
	Amount decimal.Decimal
}

func (f *fakeRail) Payout(wallet string, amount decimal.Decimal, reference string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, railCall{Wallet: wallet, Amount: amount})
	f.mu.Unlock()
	if err, ok := f.failWith[wallet]; ok {
		return "", err
	}
	return "0xtx-" + wallet, nil
}

func newSettlement(t *testing.T, e *engine, rail services.PayoutRail) *services.SettlementService {
	t.Helper()
	return services.NewSettlementService(e.db, e.ledger, e.audit, rail, e.cfg)
}

func seedBeneficiary(t *testing.T, e *engine, wallet string) *models.Member {
	t.Helper()
	m := seedMember(t, e.db, uuid.NewString(), nil, nil, nil, models.RankTier1)
	require.NoError(t, e.db.Model(m).Update("wallet_address", wallet).Error)
	return m
}

func seedApproved(t *testing.T, e *engine, beneficiaryID string, amount int64, createdAt time.Time) *models.CommissionEntry {
	t.Helper()
	entry := seedEntry(t, e, uuid.NewString(), beneficiaryID, models.CommissionTypeDirect, models.CommissionStatusApproved, createdAt)
	require.NoError(t, e.db.Model(entry).Update("amount", decimal.NewFromInt(amount)).Error)
	return entry
}

func TestRunOnce_PartialFailureIsolation(t *testing.T) {
	// Two beneficiaries; the rail fails one. The failing beneficiary's
	// entries stay APPROVED and unbatched; the other's are PAID with the
	// batch and tx hash recorded.

	e := newEngine(t)
	good := seedBeneficiary(t, e, "0xgood")
	bad := seedBeneficiary(t, e, "0xbad")
	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	goodEntry := seedApproved(t, e, good.ID, 40, base)
	badEntry := seedApproved(t, e, bad.ID, 60, base.Add(time.Minute))

	rail := &fakeRail{failWith: map[string]error{"0xbad": services.ErrInsufficientFunds}}
	s := newSettlement(t, e, rail)

	summary, err := s.RunOnce()
	require.NoError(t, err, "beneficiary failures never fail the run")
	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.PaidTotal.Equal(decimal.NewFromInt(40)))

	var gotGood models.CommissionEntry
	require.NoError(t, e.db.First(&gotGood, "id = ?", goodEntry.ID).Error)
	assert.Equal(t, models.CommissionStatusPaid, gotGood.Status)
	require.NotNil(t, gotGood.BatchID)
	assert.Equal(t, summary.BatchID, *gotGood.BatchID)

	var gotBad models.CommissionEntry
	require.NoError(t, e.db.First(&gotBad, "id = ?", badEntry.ID).Error)
	assert.Equal(t, models.CommissionStatusApproved, gotBad.Status)
	assert.Nil(t, gotBad.BatchID, "failed group stays eligible for the next run")

	var batch models.PayoutBatch
	require.NoError(t, e.db.First(&batch, "id = ?", summary.BatchID).Error)
	assert.Equal(t, models.PayoutBatchStatusConfirmed, batch.Status)
	assert.Equal(t, "0xtx-0xgood", batch.TxHash)

	var transfers []models.PayoutTransfer
	require.NoError(t, e.db.Where("batch_id = ?", batch.ID).Find(&transfers).Error)
	require.Len(t, transfers, 2)
	byWallet := map[string]models.PayoutTransfer{}
	for _, tr := range transfers {
		byWallet[tr.WalletAddress] = tr
	}
	assert.Equal(t, models.PayoutTransferStatusPaid, byWallet["0xgood"].Status)
	assert.Equal(t, models.PayoutTransferStatusFailed, byWallet["0xbad"].Status)
	assert.NotEmpty(t, byWallet["0xbad"].FailReason)

	// Paid money moves the reconsumption inputs; failed money does not.
	assert.True(t, reloadMember(t, e.db, good.ID).CumulativeCommissionReceived.Equal(decimal.NewFromInt(40)))
	assert.True(t, reloadMember(t, e.db, bad.ID).CumulativeCommissionReceived.IsZero())
}

func TestRunOnce_AggregatesPerBeneficiary(t *testing.T) {
	// Three approved entries for one beneficiary become a single rail
	// call for the summed amount.

	e := newEngine(t)
	m := seedBeneficiary(t, e, "0xone")
	base := time.Now().Add(-time.Hour)
	seedApproved(t, e, m.ID, 10, base)
	seedApproved(t, e, m.ID, 20, base.Add(time.Minute))
	seedApproved(t, e, m.ID, 30, base.Add(2*time.Minute))

	rail := &fakeRail{}
	s := newSettlement(t, e, rail)

	summary, err := s.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Paid)

	require.Len(t, rail.calls, 1)
	assert.Equal(t, "0xone", rail.calls[0].Wallet)
	assert.True(t, rail.calls[0].Amount.Equal(decimal.NewFromInt(60)))

	assert.True(t, reloadMember(t, e.db, m.ID).CumulativeCommissionReceived.Equal(decimal.NewFromInt(60)))
}

func TestRunOnce_NothingApproved(t *testing.T) {
	e := newEngine(t)
	rail := &fakeRail{}
	s := newSettlement(t, e, rail)

	summary, err := s.RunOnce()
	require.NoError(t, err)
	assert.Empty(t, summary.BatchID)
	assert.Empty(t, rail.calls)

	var count int64
	require.NoError(t, e.db.Model(&models.PayoutBatch{}).Count(&count).Error)
	assert.EqualValues(t, 0, count, "no empty batches")
}

func TestRunOnce_WalletMissing(t *testing.T) {
	e := newEngine(t)
	m := seedMember(t, e.db, uuid.NewString(), nil, nil, nil, models.RankTier1)
	entry := seedApproved(t, e, m.ID, 25, time.Now().Add(-time.Hour))

	rail := &fakeRail{}
	s := newSettlement(t, e, rail)

	summary, err := s.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Paid)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, rail.calls, "no rail call without a wallet")

	var got models.CommissionEntry
	require.NoError(t, e.db.First(&got, "id = ?", entry.ID).Error)
	assert.Equal(t, models.CommissionStatusApproved, got.Status)

	var batch models.PayoutBatch
	require.NoError(t, e.db.First(&batch, "id = ?", summary.BatchID).Error)
	assert.Equal(t, models.PayoutBatchStatusFailed, batch.Status)

	var transfer models.PayoutTransfer
	require.NoError(t, e.db.First(&transfer, "batch_id = ?", batch.ID).Error)
	assert.Equal(t, "wallet_missing", transfer.FailReason)
}

func TestRunOnce_SingleFlight(t *testing.T) {
	// A second run while the first is mid-payout must refuse instead of
	// double-submitting the same approved entries.

	e := newEngine(t)
	m := seedBeneficiary(t, e, "0xslow")
	seedApproved(t, e, m.ID, 10, time.Now().Add(-time.Hour))

	rail := &fakeRail{block: make(chan struct{})}
	s := newSettlement(t, e, rail)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce()
	}()

	// Wait for the first run to reach the rail call.
	require.Eventually(t, func() bool {
		var count int64
		e.db.Model(&models.PayoutBatch{}).Count(&count)
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := s.RunOnce()
	assert.True(t, errors.Is(err, services.ErrRunInProgress))

	close(rail.block)
	<-done
}

func TestRunOnce_ArchivesReport(t *testing.T) {
	e := newEngine(t)
	m := seedBeneficiary(t, e, "0xone")
	seedApproved(t, e, m.ID, 15, time.Now().Add(-time.Hour))

	s := newSettlement(t, e, &fakeRail{})
	var archivedBatch string
	s.Archive = func(batchID string, report []byte) (string, error) {
		archivedBatch = batchID
		assert.NotEmpty(t, report)
		return "https://cdn.example/reports/" + batchID + ".json", nil
	}

	summary, err := s.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, summary.BatchID, archivedBatch)

	var batch models.PayoutBatch
	require.NoError(t, e.db.First(&batch, "id = ?", summary.BatchID).Error)
	assert.Equal(t, "https://cdn.example/reports/"+batch.ID+".json", batch.ReportURL)
}

func TestRunOnce_ClaimsEntriesBeforeRailCall(t *testing.T) {
	// The batch assignment is the at-most-once boundary: by the time the
	// rail sees money, the entries must already belong to the batch.

	e := newEngine(t)
	m := seedBeneficiary(t, e, "0xclaim")
	entry := seedApproved(t, e, m.ID, 20, time.Now().Add(-time.Hour))

	rail := &fakeRail{}
	var claimedMidFlight bool
	rail.onCall = func() {
		var got models.CommissionEntry
		require.NoError(t, e.db.First(&got, "id = ?", entry.ID).Error)
		claimedMidFlight = got.BatchID != nil
	}
	s := newSettlement(t, e, rail)

	_, err := s.RunOnce()
	require.NoError(t, err)
	require.Len(t, rail.calls, 1)
	assert.True(t, claimedMidFlight, "entries must be claimed before the rail call")
}

func TestRunOnce_ClaimedEntriesNeverRepaid(t *testing.T) {
	// An APPROVED entry still carrying a batch_id (the rail paid but the
	// bookkeeping transaction failed) is quarantined for reconciliation,
	// never picked up by a later run.

	e := newEngine(t)
	m := seedBeneficiary(t, e, "0xquarantine")
	entry := seedApproved(t, e, m.ID, 20, time.Now().Add(-time.Hour))
	require.NoError(t, e.db.Model(entry).Update("batch_id", uuid.NewString()).Error)

	rail := &fakeRail{}
	s := newSettlement(t, e, rail)

	summary, err := s.RunOnce()
	require.NoError(t, err)
	assert.Empty(t, summary.BatchID)
	assert.Empty(t, rail.calls)
}
