package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"trustgate/logging"
)

// Outbox message states.
const (
	OutboxPending   = "pending"
	OutboxProcessed = "processed"
	OutboxDead      = "dead"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Execer is satisfied by pgx.Tx and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnqueueTx writes an outbox row inside the caller's transaction so the
// message commits or rolls back together with the state change it describes.
func EnqueueTx(ctx context.Context, tx Execer, topic, key string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("events: empty outbox topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, key, payload)
VALUES ($1, $2, $3);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, key, body); err != nil {
		return fmt.Errorf("events: insert outbox message: %w", err)
	}
	return nil
}

// OutboxPublisher is a Publisher that persists every event to the outbox
// table outside of any business transaction.
type OutboxPublisher struct {
	db Execer
}

func NewOutboxPublisher(db Execer) *OutboxPublisher {
	return &OutboxPublisher{db: db}
}

func (p *OutboxPublisher) Publish(ctx context.Context, topic, key string, payload map[string]any) error {
	return EnqueueTx(ctx, p.db, topic, key, payload)
}

// Sink receives relayed events.
type Sink interface {
	Deliver(evt Event) error
}

// Relay drains pending outbox rows into a Sink. Several relays may run
// concurrently; rows are claimed with SKIP LOCKED.
type Relay struct {
	pool        TxBeginner
	sink        Sink
	batch       int
	interval    time.Duration
	maxAttempts int
	log         logrus.FieldLogger
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption { return func(r *Relay) { r.batch = n } }

func WithInterval(d time.Duration) RelayOption { return func(r *Relay) { r.interval = d } }

func WithMaxAttempts(n int) RelayOption { return func(r *Relay) { r.maxAttempts = n } }

func NewRelay(pool TxBeginner, sink Sink, log logrus.FieldLogger, opts ...RelayOption) *Relay {
	r := &Relay{
		pool:        pool,
		sink:        sink,
		batch:       50,
		interval:    time.Second,
		maxAttempts: 5,
		log:         logging.OrDiscard(log),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.RunOnce(ctx); err != nil {
			r.log.WithError(err).Warn("events: outbox relay pass failed")
		} else if n > 0 {
			r.log.WithField("relayed", n).Debug("events: outbox relay pass")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and returns how many messages were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("events: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, topic, key, payload, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED;
`
	rows, err := tx.Query(ctx, claimSQL, r.batch)
	if err != nil {
		return 0, fmt.Errorf("events: claim outbox: %w", err)
	}
	var claimed []Event
	for rows.Next() {
		var (
			evt  Event
			body []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Topic, &evt.Key, &body, &evt.OccurredAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("events: scan outbox: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &evt.Payload); err != nil {
				rows.Close()
				return 0, fmt.Errorf("events: decode outbox payload %s: %w", evt.ID, err)
			}
		}
		claimed = append(claimed, evt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("events: iterate outbox: %w", err)
	}

	delivered := 0
	for _, evt := range claimed {
		if err := r.sink.Deliver(evt); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"event_id": evt.ID, "topic": evt.Topic}).Warn("events: deliver failed")
			if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
WHERE id = $1`, evt.ID, r.maxAttempts); err != nil {
				return delivered, fmt.Errorf("events: mark outbox failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, processed_at = now() WHERE id = $1`, evt.ID); err != nil {
			return delivered, fmt.Errorf("events: mark outbox processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("events: commit relay tx: %w", err)
	}
	return delivered, nil
}
