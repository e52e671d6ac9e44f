package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/events"
)

type stubBids map[string]Bid

func (s stubBids) EscrowBid(_ context.Context, id string) (Bid, error) {
	b, ok := s[id]
	if !ok {
		return Bid{}, errors.New("bid not found")
	}
	return b, nil
}

type topicRecorder struct {
	mu       sync.Mutex
	topics   []string
	payloads []map[string]any
}

func (r *topicRecorder) Publish(_ context.Context, topic, _ string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return nil
}

func newService() (*Service, *topicRecorder) {
	rec := &topicRecorder{}
	bids := stubBids{
		"bidA": {ID: "bidA", OrderID: "ORD-1", CarrierID: "carrier-1", Amount: 8000},
		"bidB": {ID: "bidB", OrderID: "ORD-2", CarrierID: "carrier-2", Amount: 500},
		"zero": {ID: "zero", OrderID: "ORD-3", Amount: 0},
	}
	return NewService(NewMemoryRepository(rec), bids, nil), rec
}

func TestLifecycle_HappyPath(t *testing.T) {
	svc, rec := newService()
	ctx := context.Background()

	c, err := svc.LockFunds(ctx, "bidA")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingFunds, c.Status)
	assert.Equal(t, 8000.0, c.Amount)
	assert.Equal(t, "ORD-1", c.OrderID)

	c, err = svc.ConfirmFunding(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, c.Status)

	c, err = svc.MarkInTransit(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, c.Status)

	c, err = svc.ReleaseFunds(ctx, c.ID, "pod-hash-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, c.Status)
	assert.Equal(t, "pod-hash-1", c.EvidenceHash)
	require.NotNil(t, c.ReleasedAt)

	assert.Equal(t, []string{
		events.TopicEscrowLocked,
		events.TopicEscrowStatusChanged,
		events.TopicEscrowStatusChanged,
		events.TopicEscrowStatusChanged,
		events.TopicEscrowReleased,
	}, rec.topics)
	released := rec.payloads[len(rec.payloads)-1]
	assert.Equal(t, false, released["refunded"])
	assert.Equal(t, "carrier-1", released["carrier_id"])
}

func TestLockFunds_OncePerBid(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.LockFunds(ctx, "bidA")
	require.NoError(t, err)
	_, err = svc.LockFunds(ctx, "bidA")
	require.Error(t, err)
	assert.EqualError(t, err, "Funds already locked for bid: bidA")
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	_, err = svc.LockFunds(ctx, "unknown")
	assert.Error(t, err)
	_, err = svc.LockFunds(ctx, "zero")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestIllegalTransitionsDoNotMutate(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, err := svc.LockFunds(ctx, "bidA")
	require.NoError(t, err)

	_, err = svc.ReleaseFunds(ctx, c.ID, "early")
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Equal(t, StatusPendingFunds, stateErr.Current)
	assert.Equal(t, StatusInTransit, stateErr.Expected)
	assert.EqualError(t, err, "Cannot release funds: contract status is PENDING_FUNDS, expected IN_TRANSIT")

	_, err = svc.MarkInTransit(ctx, c.ID)
	assert.EqualError(t, err, "Cannot mark as in transit: contract status is PENDING_FUNDS, expected FUNDED")

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingFunds, got.Status)
	assert.Empty(t, got.EvidenceHash)
	assert.Equal(t, c.Version, got.Version)

	_, err = svc.ConfirmFunding(ctx, c.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmFunding(ctx, c.ID)
	assert.EqualError(t, err, "Cannot confirm funding: contract status is FUNDED, expected PENDING_FUNDS")
}

func TestDispute(t *testing.T) {
	svc, rec := newService()
	ctx := context.Background()
	c, err := svc.LockFunds(ctx, "bidA")
	require.NoError(t, err)
	_, err = svc.ConfirmFunding(ctx, c.ID)
	require.NoError(t, err)

	_, err = svc.MarkAsDisputed(ctx, c.ID, "  ")
	assert.ErrorIs(t, err, ErrMissingReason)

	c, err = svc.MarkAsDisputed(ctx, c.ID, "customer complaint")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, c.Status)
	assert.Equal(t, "customer complaint", c.EvidenceHash)

	_, err = svc.ReleaseFunds(ctx, c.ID, "pod")
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = svc.MarkAsDisputed(ctx, c.ID, "again")
	assert.ErrorIs(t, err, ErrStateConflict)

	c, err = svc.SettleRefund(ctx, c.ID, "Arbitration decision: REFUND_SHIPPER")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, c.Status)
	assert.Equal(t, true, rec.payloads[len(rec.payloads)-1]["refunded"])

	_, err = svc.MarkAsDisputed(ctx, c.ID, "too late")
	assert.EqualError(t, err, "Cannot mark as disputed: funds already released")

	disputed, err := svc.List(ctx, StatusDisputed)
	require.NoError(t, err)
	assert.Empty(t, disputed)
}

func TestResumeFromDisputeAndSnapshot(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, err := svc.LockFunds(ctx, "bidB")
	require.NoError(t, err)

	c, err = svc.AttachSnapshotHash(ctx, c.ID, "snap")
	require.NoError(t, err)
	assert.Equal(t, "snap", c.SnapshotHash)
	assert.Equal(t, StatusPendingFunds, c.Status)

	_, err = svc.ResumeFromDispute(ctx, c.ID, "note")
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = svc.MarkAsDisputed(ctx, c.ID, "late pickup")
	require.NoError(t, err)
	c, err = svc.ResumeFromDispute(ctx, c.ID, "Arbitration decision: PAY_CARRIER")
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, c.Status)
	assert.Equal(t, "snap", c.SnapshotHash)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPayCarrier_SingleStep(t *testing.T) {
	svc, rec := newService()
	ctx := context.Background()
	c, err := svc.LockFunds(ctx, "bidA")
	require.NoError(t, err)

	_, err = svc.PayCarrier(ctx, c.ID, "ruling")
	require.ErrorIs(t, err, ErrStateConflict)

	_, err = svc.MarkAsDisputed(ctx, c.ID, "damaged pallets")
	require.NoError(t, err)
	before := len(rec.topics)

	c, err = svc.PayCarrier(ctx, c.ID, "Arbitration decision: PAY_CARRIER")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, c.Status)
	assert.Equal(t, "Arbitration decision: PAY_CARRIER", c.EvidenceHash)
	require.NotNil(t, c.ReleasedAt)
	assert.EqualValues(t, 2, c.Version, "one write for the whole ruling")

	assert.Equal(t, []string{
		events.TopicEscrowStatusChanged,
		events.TopicEscrowStatusChanged,
		events.TopicEscrowReleased,
	}, rec.topics[before:])
	hops := rec.payloads[before:]
	assert.Equal(t, "DISPUTED", hops[0]["previous"])
	assert.Equal(t, "IN_TRANSIT", hops[0]["next"])
	assert.Equal(t, "IN_TRANSIT", hops[1]["previous"])
	assert.Equal(t, "RELEASED", hops[1]["next"])
	assert.Equal(t, false, hops[2]["refunded"])

	_, err = svc.PayCarrier(ctx, c.ID, "again")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestConcurrentReleaseAndDispute(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, err := svc.LockFunds(ctx, "bidA")
	require.NoError(t, err)
	_, err = svc.ConfirmFunding(ctx, c.ID)
	require.NoError(t, err)
	_, err = svc.MarkInTransit(ctx, c.ID)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = svc.ReleaseFunds(ctx, c.ID, "pod")
			} else {
				_, err = svc.MarkAsDisputed(ctx, c.ID, "damaged")
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrStateConflict)
			}
		}()
	}
	wg.Wait()

	// a dispute may win first, after which releases fail and further disputes are rejected
	assert.Equal(t, 1, successes)
}
