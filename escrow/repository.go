package escrow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustgate/events"
)

// Mutation changes a locked contract and returns the events to emit with it.
// Returning an error leaves the contract untouched.
type Mutation func(c *Contract) ([]Message, error)

type Repository interface {
	// Create inserts a PENDING_FUNDS contract. A second contract for the same
	// bid yields *AlreadyLockedError.
	Create(ctx context.Context, c Contract, msgs ...Message) (Contract, error)
	Get(ctx context.Context, id string) (Contract, error)
	GetByBid(ctx context.Context, bidID string) (Contract, error)
	List(ctx context.Context, status Status) ([]Contract, error)
	// Update serializes mutations per contract.
	Update(ctx context.Context, id string, fn Mutation) (Contract, error)
}

// PGRepository keeps contracts in PostgreSQL. Transitions lock the row with
// FOR UPDATE and write their outbox messages in the same transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const contractColumns = `id::text, bid_id, order_id, carrier_id, shipper_id, amount::float8, status,
	evidence_hash, snapshot_hash, created_at, updated_at, released_at, version`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(&c.ID, &c.BidID, &c.OrderID, &c.CarrierID, &c.ShipperID, &c.Amount, &c.Status,
		&c.EvidenceHash, &c.SnapshotHash, &c.CreatedAt, &c.UpdatedAt, &c.ReleasedAt, &c.Version)
	return c, err
}

func (r *PGRepository) Create(ctx context.Context, c Contract, msgs ...Message) (Contract, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO contracts (id, bid_id, order_id, carrier_id, shipper_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + contractColumns

	out, err := scanContract(tx.QueryRow(ctx, query, c.ID, c.BidID, c.OrderID, c.CarrierID, c.ShipperID, c.Amount, c.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, &AlreadyLockedError{BidID: c.BidID}
		}
		return Contract{}, fmt.Errorf("escrow: insert contract: %w", err)
	}
	if err := enqueue(ctx, tx, msgs); err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Contract, error) {
	return r.getBy(ctx, "id::text", id)
}

func (r *PGRepository) GetByBid(ctx context.Context, bidID string) (Contract, error) {
	return r.getBy(ctx, "bid_id", bidID)
}

func (r *PGRepository) getBy(ctx context.Context, column, value string) (Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE ` + column + ` = $1`
	c, err := scanContract(r.pool.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("escrow: query by %s: %w", column, err)
	}
	return c, nil
}

func (r *PGRepository) List(ctx context.Context, status Status) ([]Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Contract, 0, 8)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Update(ctx context.Context, id string, fn Mutation) (Contract, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := scanContract(tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id::text = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("escrow: lock contract: %w", err)
	}

	msgs, err := fn(&c)
	if err != nil {
		return Contract{}, err
	}

	const updateSQL = `
		UPDATE contracts
		SET status = $2,
		    evidence_hash = $3,
		    snapshot_hash = $4,
		    released_at = $5,
		    updated_at = now(),
		    version = version + 1
		WHERE id::text = $1
		RETURNING ` + contractColumns

	out, err := scanContract(tx.QueryRow(ctx, updateSQL, id, c.Status, c.EvidenceHash, c.SnapshotHash, c.ReleasedAt))
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: update contract: %w", err)
	}
	if err := enqueue(ctx, tx, msgs); err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("escrow: commit update: %w", err)
	}
	return out, nil
}

func enqueue(ctx context.Context, tx pgx.Tx, msgs []Message) error {
	for _, m := range msgs {
		if err := events.EnqueueTx(ctx, tx, m.Topic, m.Key, m.Payload); err != nil {
			return fmt.Errorf("escrow: enqueue %s: %w", m.Topic, err)
		}
	}
	return nil
}

// MemoryRepository serializes updates per contract with a dedicated lock and
// publishes messages after the change is stored.
type MemoryRepository struct {
	mu        sync.RWMutex
	contracts map[string]Contract
	locks     sync.Map
	publisher events.Publisher
	now       func() time.Time
}

func NewMemoryRepository(publisher events.Publisher) *MemoryRepository {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &MemoryRepository{contracts: make(map[string]Contract), publisher: publisher, now: time.Now}
}

func (m *MemoryRepository) Create(ctx context.Context, c Contract, msgs ...Message) (Contract, error) {
	m.mu.Lock()
	for _, existing := range m.contracts {
		if existing.BidID == c.BidID {
			m.mu.Unlock()
			return Contract{}, &AlreadyLockedError{BidID: c.BidID}
		}
	}
	now := m.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.contracts[c.ID] = c
	m.mu.Unlock()

	m.publish(ctx, msgs)
	return c, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return Contract{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryRepository) GetByBid(_ context.Context, bidID string) (Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.contracts {
		if c.BidID == bidID {
			return c, nil
		}
	}
	return Contract{}, ErrNotFound
}

func (m *MemoryRepository) List(_ context.Context, status Status) ([]Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Contract, 0, len(m.contracts))
	for _, c := range m.contracts {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Contract) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

func (m *MemoryRepository) Update(ctx context.Context, id string, fn Mutation) (Contract, error) {
	lock, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c, err := m.Get(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	msgs, err := fn(&c)
	if err != nil {
		return Contract{}, err
	}
	c.UpdatedAt = m.now().UTC()
	c.Version++

	m.mu.Lock()
	m.contracts[id] = c
	m.mu.Unlock()

	m.publish(ctx, msgs)
	return c, nil
}

func (m *MemoryRepository) publish(ctx context.Context, msgs []Message) {
	for _, msg := range msgs {
		_ = m.publisher.Publish(ctx, msg.Topic, msg.Key, msg.Payload)
	}
}
