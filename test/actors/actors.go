package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"trustgate/bid"
	"trustgate/escrow"
	"trustgate/worm"
)

// Order is a seeded freight order and the pending bids racing for it.
type Order struct {
	ID     string
	BidIDs []string
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Awarder races other awarders to accept a bid on a random order, then locks
// escrow for the winner. Losing the race is expected.
func Awarder(ctx context.Context, bids *bid.PGRepository, contracts *escrow.Service, orders []Order, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		o := orders[rng.Intn(len(orders))]
		bidID := o.BidIDs[rng.Intn(len(o.BidIDs))]

		accepted, err := bids.Accept(ctx, o.ID, bidID)
		switch {
		case err == nil:
			// chaos may kill the connection here; the oracle only demands
			// that contracts never point at losing bids
			_, _ = contracts.LockFunds(ctx, accepted.ID)
		case errors.Is(err, bid.ErrOrderClosed), errors.Is(err, bid.ErrNotPending):
			// another awarder won; retry locking in case the winner was cut off
			if won, err := bids.ListByOrder(ctx, o.ID); err == nil {
				for _, b := range won {
					if b.Status == bid.StatusAccepted {
						_, _ = contracts.LockFunds(ctx, b.ID)
					}
				}
			}
		}
		pause(rng, 10, 20)
	}
}

// EscrowDriver applies random transitions to random contracts. Most of them
// are illegal for the contract's current status and must be refused.
func EscrowDriver(ctx context.Context, contracts *escrow.Service, rng *rand.Rand, stop <-chan struct{}) error {
	ops := []func(id string) (escrow.Contract, error){
		func(id string) (escrow.Contract, error) { return contracts.ConfirmFunding(ctx, id) },
		func(id string) (escrow.Contract, error) { return contracts.MarkInTransit(ctx, id) },
		func(id string) (escrow.Contract, error) {
			return contracts.ReleaseFunds(ctx, id, fmt.Sprintf("pod-%d", rng.Int63()))
		},
		func(id string) (escrow.Contract, error) { return contracts.MarkAsDisputed(ctx, id, "cargo damaged") },
		func(id string) (escrow.Contract, error) { return contracts.ResumeFromDispute(ctx, id, "carrier cleared") },
		func(id string) (escrow.Contract, error) { return contracts.SettleRefund(ctx, id, "refund shipper") },
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		list, err := contracts.List(ctx, "")
		if err != nil || len(list) == 0 {
			pause(rng, 50, 50)
			continue
		}
		c := list[rng.Intn(len(list))]
		before := c.Status
		after, err := ops[rng.Intn(len(ops))](c.ID)
		if err == nil && before == escrow.StatusReleased && after.Status != escrow.StatusReleased {
			return fmt.Errorf("escrow: released contract %s moved to %s", c.ID, after.Status)
		}
		pause(rng, 5, 20)
	}
}

// WormAppender writes access decisions to the shared access chain.
func WormAppender(ctx context.Context, ledger *worm.Log, userID string, rng *rand.Rand, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		allowed := rng.Intn(4) != 0
		_, _ = ledger.SaveAccessCheck(ctx, worm.AccessEntry{
			DecisionID: fmt.Sprintf("%s-%d", userID, n),
			UserID:     userID,
			ServiceID:  "marketplace",
			Action:     "place_bid",
			Allowed:    allowed,
			Reason:     "stress",
		})
		pause(rng, 5, 15)
	}
}

// Tamperer tries to rewrite and delete ledger rows directly. Any statement
// that touches a row is a broken append-only guarantee.
func Tamperer(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tag, err := pool.Exec(ctx, `
			UPDATE worm_records SET payload = '{"allowed":true}'
			WHERE id = (SELECT id FROM worm_records ORDER BY random() LIMIT 1)`)
		if err == nil && tag.RowsAffected() > 0 {
			return errors.New("worm: payload update was not rejected")
		}
		tag, err = pool.Exec(ctx, `
			DELETE FROM worm_records
			WHERE id = (SELECT id FROM worm_records ORDER BY random() LIMIT 1)`)
		if err == nil && tag.RowsAffected() > 0 {
			return errors.New("worm: delete was not rejected")
		}
		pause(rng, 100, 100)
	}
}
