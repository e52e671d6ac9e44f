package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trustgate/bid"
	"trustgate/carrier"
	"trustgate/escrow"
	"trustgate/events"
	"trustgate/geo"
	"trustgate/test/actors"
	"trustgate/test/chaos"
	"trustgate/test/infra"
	"trustgate/test/oracles"
	"trustgate/worm"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flOrders      = flag.Int("orders", 20, "number of seeded freight orders")
)

func TestMarketplaceConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	var (
		pgC        *infra.Postgres
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
	case dockerAvailable(ctx):
		pgC, err = infra.StartPostgres(ctx, log)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		dsn = pgC.DSN
	default:
		dsn, err = infra.LocalDatabase(ctx, log)
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
	}
	defer func() { _ = pgC.Close(context.Background()) }()

	database, err := infra.OpenMigrated(ctx, dsn, usedShared, log)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer func() {
		if err := database.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := database.Pool

	bids := bid.NewRepository(pool)
	contracts := escrow.NewService(escrow.NewPGRepository(pool), bid.NewEscrowSource(bids), log)
	ledger, err := worm.NewLog(worm.NewPGStore(pool), []byte("stress-signing-key"), log)
	if err != nil {
		t.Fatalf("worm log: %v", err)
	}
	carriers := carrier.NewService(carrier.NewRepository(pool)).WithLogger(log)

	bus := events.NewBus(0, log)
	defer bus.Close()
	carriers.Subscribe(bus)

	orders := mustSeed(t, ctx, bids, carriers, *flOrders)

	g, ctx2 := errgroup.WithContext(ctx)
	relayCtx, stopRelay := context.WithCancel(ctx2)
	defer stopRelay()
	stop := make(chan struct{})
	rngs := rand.New(rand.NewSource(seed))
	next := func() *rand.Rand { return rand.New(rand.NewSource(rngs.Int63())) }

	for i := 0; i < *flConcurrency; i++ {
		awarder, driver, appender := next(), next(), next()
		user := fmt.Sprintf("stress-user-%d", i)
		g.Go(func() error { return actors.Awarder(ctx2, bids, contracts, orders, awarder, stop) })
		g.Go(func() error { return actors.EscrowDriver(ctx2, contracts, driver, stop) })
		g.Go(func() error { return actors.WormAppender(ctx2, ledger, user, appender, stop) })
	}
	tamperer := next()
	g.Go(func() error { return actors.Tamperer(ctx2, pool, tamperer, stop) })

	relay := events.NewRelay(pool, bus, log, events.WithInterval(200*time.Millisecond))
	g.Go(func() error {
		if err := relay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	go chaos.TerminateRandomBackend(ctx2, pool, next(), log, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var (
		failed     bool
		oracleErrs int
	)
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may terminate the oracle's own backend
				if oracleErrs++; oracleErrs > 5 {
					t.Fatalf("oracle error: %v", err)
				}
				t.Logf("oracle retry: %v", err)
				continue
			}
			oracleErrs = 0
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	stopRelay()
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	report, err := ledger.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if !report.Valid {
		t.Fatalf("ledger integrity broken: %v (seed=%d)", report.Err(), seed)
	}
	if name, row, err := oracles.Run(ctx, pool); err != nil || name != "" {
		t.Fatalf("final oracle %s: row=%s err=%v (seed=%d)", name, row, err, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, bids *bid.PGRepository, carriers *carrier.Service, n int) []actors.Order {
	t.Helper()
	carrierIDs := make([]string, 4)
	for i := range carrierIDs {
		p, err := carriers.Register(ctx, carrier.Profile{
			ID:     fmt.Sprintf("carrier-%d", i),
			Name:   fmt.Sprintf("Carrier %d", i),
			Rating: 4,
		})
		if err != nil {
			t.Fatalf("seed carrier: %v", err)
		}
		carrierIDs[i] = p.ID
	}

	orders := make([]actors.Order, 0, n)
	for i := 0; i < n; i++ {
		o, err := bids.CreateOrder(ctx, bid.Order{
			ShipperID:    fmt.Sprintf("shipper-%d", i%3),
			CargoType:    "general",
			Category:     "transport",
			Region:       "EU",
			MaxBidAmount: 5000,
			Pickup:       geo.Point{Lat: 52.52, Lon: 13.40},
			Delivery:     geo.Point{Lat: 48.14, Lon: 11.58},
			Status:       bid.OrderOpen,
		})
		if err != nil {
			t.Fatalf("seed order: %v", err)
		}
		seeded := actors.Order{ID: o.ID}
		for j, carrierID := range carrierIDs {
			b, err := bids.Create(ctx, bid.Bid{
				OrderID:   o.ID,
				CarrierID: carrierID,
				Amount:    float64(3000 + 250*j),
				Status:    bid.StatusPending,
				Score:     50,
			})
			if err != nil {
				t.Fatalf("seed bid: %v", err)
			}
			seeded.BidIDs = append(seeded.BidIDs, b.ID)
		}
		orders = append(orders, seeded)
	}
	return orders
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"contracts", `SELECT id, bid_id, status, released_at, updated_at FROM contracts ORDER BY updated_at DESC LIMIT 50`},
		{"bids", `SELECT id, order_id, carrier_id, status FROM bids WHERE status = 'ACCEPTED' LIMIT 50`},
		{"outbox", `SELECT id, topic, key, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"worm_records", `SELECT chain, seq, left(previous_hash, 12), left(hash, 12), created_at FROM worm_records ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
