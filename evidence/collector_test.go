package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/bid"
	"trustgate/escrow"
	"trustgate/scoring"
)

type bidStore map[string]bid.Bid

func (s bidStore) Get(_ context.Context, id string) (bid.Bid, error) {
	b, ok := s[id]
	if !ok {
		return bid.Bid{}, bid.ErrNotFound
	}
	return b, nil
}

func (s bidStore) EscrowBid(_ context.Context, id string) (escrow.Bid, error) {
	b, ok := s[id]
	if !ok {
		return escrow.Bid{}, bid.ErrNotFound
	}
	return escrow.Bid{ID: b.ID, OrderID: b.OrderID, CarrierID: b.CarrierID, ShipperID: "shipper-1", Amount: b.Amount}, nil
}

func setup(t *testing.T) (*Collector, bidStore, escrow.Contract) {
	t.Helper()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	bids := bidStore{"bid-1": {
		ID:        "bid-1",
		OrderID:   "ORD-1",
		CarrierID: "carrier-1",
		Amount:    8000,
		Status:    bid.StatusAccepted,
		Score:     38,
		Breakdown: scoring.Breakdown{Price: 0.2, Reputation: 0.5, Proximity: 0.5, Delivery: 0.5, Total: 0.38},
		Compliance: bid.ComplianceSnapshot{
			ComplianceStatus: "VERIFIED",
			TrustScore:       72.5,
			RiskLevel:        "MEDIUM",
			DecisionID:       "DEC-1-1000",
			TakenAt:          created,
		},
		CreatedAt: created,
	}}
	contracts := escrow.NewService(escrow.NewMemoryRepository(nil), bids, nil)
	c, err := contracts.LockFunds(context.Background(), "bid-1")
	require.NoError(t, err)
	return NewCollector(bids, contracts, nil), bids, c
}

func TestCollect_StoresHashOnContract(t *testing.T) {
	col, _, c := setup(t)
	ctx := context.Background()

	snap, err := col.Collect(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Hash, 64)
	assert.Equal(t, Hash(snap.Document), snap.Hash)

	stored, err := col.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Hash, stored.SnapshotHash)

	_, err = col.Collect(ctx, c.ID)
	assert.ErrorIs(t, err, ErrAlreadyCollected)

	v, err := col.Verify(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.False(t, v.DataAltered)
}

func TestRecordDeal_ReturnsStoredDigest(t *testing.T) {
	col, _, c := setup(t)
	ctx := context.Background()

	hash, err := col.RecordDeal(ctx, c.ID)
	require.NoError(t, err)
	stored, err := col.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.SnapshotHash, hash)

	_, err = col.RecordDeal(ctx, c.ID)
	assert.ErrorIs(t, err, ErrAlreadyCollected)
}

func TestCollect_DocumentIsStable(t *testing.T) {
	col, _, c := setup(t)
	ctx := context.Background()

	first, err := col.Document(ctx, c.ID)
	require.NoError(t, err)
	second, err := col.Document(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
	assert.JSONEq(t, string(first.Document), string(second.Document))
	assert.NotContains(t, string(first.Document), "collected_at")
	assert.Contains(t, string(first.Document), `"version":"1"`)
}

func TestVerify_DetectsEditedSnapshot(t *testing.T) {
	col, bids, c := setup(t)
	ctx := context.Background()
	_, err := col.Collect(ctx, c.ID)
	require.NoError(t, err)

	b := bids["bid-1"]
	b.Compliance.TrustScore = 99
	bids["bid-1"] = b

	v, err := col.Verify(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.DataAltered)
	assert.NotEqual(t, v.StoredHash, v.CurrentHash)
}

func TestVerify_RequiresSnapshot(t *testing.T) {
	col, _, c := setup(t)
	_, err := col.Verify(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestCanonical_SortsKeys(t *testing.T) {
	out, err := Canonical(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "x"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"x","z":true},"b":1}`, string(out))
}
