package bid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustgate/geo"
	"trustgate/scoring"
)

var (
	ErrNotFound      = errors.New("bid: not found")
	ErrOrderNotFound = errors.New("bid: order not found")
	ErrOrderClosed   = errors.New("bid: order is not open for bidding")
	ErrNotPending    = errors.New("bid: bid is not pending")
)

type Repository interface {
	CreateOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	Create(ctx context.Context, b Bid) (Bid, error)
	Get(ctx context.Context, id string) (Bid, error)
	ListByOrder(ctx context.Context, orderID string) ([]Bid, error)
	UpdateScore(ctx context.Context, id string, score float64, breakdown scoring.Breakdown) error
	// Accept marks bidID ACCEPTED, every other pending bid on the order
	// REJECTED and the order AWARDED, atomically.
	Accept(ctx context.Context, orderID, bidID string) (Bid, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const orderColumns = `id::text, shipper_id, cargo_type, category, region, max_bid_amount::float8,
	pickup_lat, pickup_lon, delivery_lat, delivery_lon, required_delivery_date, status, created_at, updated_at`

const bidColumns = `id::text, order_id::text, carrier_id, amount::float8, proposed_delivery_date, notes,
	location_lat, location_lon, status, score::float8, score_breakdown, compliance, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	return o, row.Scan(
		&o.ID,
		&o.ShipperID,
		&o.CargoType,
		&o.Category,
		&o.Region,
		&o.MaxBidAmount,
		&o.Pickup.Lat,
		&o.Pickup.Lon,
		&o.Delivery.Lat,
		&o.Delivery.Lon,
		&o.RequiredDeliveryDate,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}

func scanBid(row pgx.Row) (Bid, error) {
	var (
		b                   Bid
		lat, lon            *float64
		breakdown, snapshot []byte
	)
	if err := row.Scan(
		&b.ID,
		&b.OrderID,
		&b.CarrierID,
		&b.Amount,
		&b.ProposedDeliveryDate,
		&b.Notes,
		&lat,
		&lon,
		&b.Status,
		&b.Score,
		&breakdown,
		&snapshot,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return Bid{}, err
	}
	if lat != nil && lon != nil {
		b.Location = &geo.Point{Lat: *lat, Lon: *lon}
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &b.Breakdown); err != nil {
			return Bid{}, fmt.Errorf("bid: decode score breakdown: %w", err)
		}
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &b.Compliance); err != nil {
			return Bid{}, fmt.Errorf("bid: decode compliance snapshot: %w", err)
		}
	}
	return b, nil
}

func (r *PGRepository) CreateOrder(ctx context.Context, o Order) (Order, error) {
	query := `
		INSERT INTO freight_orders (id, shipper_id, cargo_type, category, region, max_bid_amount,
			pickup_lat, pickup_lon, delivery_lat, delivery_lon, required_delivery_date, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + orderColumns

	out, err := scanOrder(r.pool.QueryRow(ctx, query,
		o.ID, o.ShipperID, o.CargoType, o.Category, o.Region, o.MaxBidAmount,
		o.Pickup.Lat, o.Pickup.Lon, o.Delivery.Lat, o.Delivery.Lon, o.RequiredDeliveryDate, o.Status))
	if err != nil {
		return Order{}, fmt.Errorf("bid: insert order: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetOrder(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM freight_orders WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("bid: get order: %w", err)
	}
	return o, nil
}

func (r *PGRepository) Create(ctx context.Context, b Bid) (Bid, error) {
	breakdown, err := json.Marshal(b.Breakdown)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: encode score breakdown: %w", err)
	}
	snapshot, err := json.Marshal(b.Compliance)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: encode compliance snapshot: %w", err)
	}
	var lat, lon *float64
	if b.Location != nil {
		lat, lon = &b.Location.Lat, &b.Location.Lon
	}

	query := `
		INSERT INTO bids (id, order_id, carrier_id, amount, proposed_delivery_date, notes,
			location_lat, location_lon, status, score, score_breakdown, compliance)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + bidColumns

	out, err := scanBid(r.pool.QueryRow(ctx, query,
		b.ID, b.OrderID, b.CarrierID, b.Amount, b.ProposedDeliveryDate, b.Notes,
		lat, lon, b.Status, b.Score, breakdown, snapshot))
	if err != nil {
		return Bid{}, fmt.Errorf("bid: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Bid, error) {
	b, err := scanBid(r.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: get: %w", err)
	}
	return b, nil
}

func (r *PGRepository) ListByOrder(ctx context.Context, orderID string) ([]Bid, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE order_id::text = $1 ORDER BY score DESC, created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("bid: list by order: %w", err)
	}
	defer rows.Close()

	list := []Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bid: iterate: %w", err)
	}
	return list, nil
}

func (r *PGRepository) UpdateScore(ctx context.Context, id string, score float64, breakdown scoring.Breakdown) error {
	body, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("bid: encode score breakdown: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE bids SET score = $2, score_breakdown = $3, updated_at = now() WHERE id::text = $1`, id, score, body)
	if err != nil {
		return fmt.Errorf("bid: update score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Accept(ctx context.Context, orderID, bidID string) (Bid, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status OrderStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM freight_orders WHERE id::text = $1 FOR UPDATE`, orderID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrOrderNotFound
		}
		return Bid{}, fmt.Errorf("bid: lock order: %w", err)
	}
	if status != OrderOpen {
		return Bid{}, ErrOrderClosed
	}

	accepted, err := scanBid(tx.QueryRow(ctx, `
		UPDATE bids SET status = 'ACCEPTED', updated_at = now()
		WHERE id::text = $1 AND order_id::text = $2 AND status = 'PENDING'
		RETURNING `+bidColumns, bidID, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotPending
		}
		return Bid{}, fmt.Errorf("bid: accept: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bids SET status = 'REJECTED', updated_at = now()
		WHERE order_id::text = $1 AND id::text <> $2 AND status = 'PENDING'`, orderID, bidID); err != nil {
		return Bid{}, fmt.Errorf("bid: reject others: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE freight_orders SET status = 'AWARDED', updated_at = now() WHERE id::text = $1`, orderID); err != nil {
		return Bid{}, fmt.Errorf("bid: award order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("bid: commit accept: %w", err)
	}
	return accepted, nil
}

type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]Order
	bids   map[string]Bid
	nextID func() string
	now    func() time.Time
}

func NewMemoryRepository(nextID func() string) *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]Order), bids: make(map[string]Bid), nextID: nextID, now: time.Now}
}

func (m *MemoryRepository) CreateOrder(_ context.Context, o Order) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = m.nextID()
	}
	now := m.now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = o
	return o, nil
}

func (m *MemoryRepository) GetOrder(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (m *MemoryRepository) Create(_ context.Context, b Bid) (Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[b.OrderID]; !ok {
		return Bid{}, ErrOrderNotFound
	}
	if b.ID == "" {
		b.ID = m.nextID()
	}
	now := m.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	m.bids[b.ID] = b
	return b, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return Bid{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryRepository) ListByOrder(_ context.Context, orderID string) ([]Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := []Bid{}
	for _, b := range m.bids {
		if b.OrderID == orderID {
			list = append(list, b)
		}
	}
	slices.SortStableFunc(list, func(a, b Bid) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return list, nil
}

func (m *MemoryRepository) UpdateScore(_ context.Context, id string, score float64, breakdown scoring.Breakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return ErrNotFound
	}
	b.Score = score
	b.Breakdown = breakdown
	b.UpdatedAt = m.now().UTC()
	m.bids[id] = b
	return nil
}

func (m *MemoryRepository) Accept(_ context.Context, orderID, bidID string) (Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Bid{}, ErrOrderNotFound
	}
	if o.Status != OrderOpen {
		return Bid{}, ErrOrderClosed
	}
	accepted, ok := m.bids[bidID]
	if !ok || accepted.OrderID != orderID || accepted.Status != StatusPending {
		return Bid{}, ErrNotPending
	}

	now := m.now().UTC()
	for id, b := range m.bids {
		if b.OrderID != orderID || b.Status != StatusPending {
			continue
		}
		if id == bidID {
			b.Status = StatusAccepted
			accepted = b
		} else {
			b.Status = StatusRejected
		}
		b.UpdatedAt = now
		m.bids[id] = b
	}
	accepted.UpdatedAt = now
	o.Status = OrderAwarded
	o.UpdatedAt = now
	m.orders[orderID] = o
	return accepted, nil
}
