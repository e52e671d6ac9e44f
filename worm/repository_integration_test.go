package worm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"trustgate/db"
)

// TestPGStoreConcurrentAppends_Integration appends from many goroutines and
// replays the chain, then checks the table trigger refuses rewrites.
func TestPGStoreConcurrentAppends_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	l, err := NewLog(NewPGStore(pool), []byte("integration-secret"), nil)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	const writers, perWriter = 8, 10
	user := fmt.Sprintf("it-user-%d", time.Now().UnixNano())
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.SaveAccessCheck(ctx, AccessEntry{
					DecisionID: fmt.Sprintf("%s-%d-%d", user, w, i),
					UserID:     user,
					ServiceID:  "marketplace",
					Action:     "place_bid",
					Allowed:    i%3 != 0,
					Reason:     "integration",
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	report, err := l.VerifyChain(ctx, ChainAccess)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("chain broken: %v", report.Err())
	}
	hist, err := l.UserHistory(ctx, user)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Accesses) != writers*perWriter {
		t.Fatalf("expected %d access records, got %d", writers*perWriter, len(hist.Accesses))
	}

	if _, err := pool.Exec(ctx, `UPDATE worm_records SET payload = '{}' WHERE user_id = $1`, user); err == nil {
		t.Fatal("expected payload rewrite to be rejected")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM worm_records WHERE user_id = $1`, user); err == nil {
		t.Fatal("expected delete to be rejected")
	}
}
