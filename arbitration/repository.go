package arbitration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("arbitration: dispute not found")
	ErrDuplicate = errors.New("arbitration: dispute already recorded for contract")
	ErrBadStatus = errors.New("arbitration: dispute already resolved")
)

type Repository interface {
	Create(ctx context.Context, rec Record) (Record, error)
	GetByContract(ctx context.Context, contractID string) (Record, error)
	Resolve(ctx context.Context, contractID string, decision Decision, resolvedBy string, dataAltered bool) (Record, error)
	List(ctx context.Context, status Status) ([]Record, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id::text, contract_id::text, opened_by, reason, status, decision, resolved_by, data_altered, created_at, updated_at, resolved_at`

func scan(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(&rec.ID, &rec.ContractID, &rec.OpenedBy, &rec.Reason, &rec.Status, &rec.Decision,
		&rec.ResolvedBy, &rec.DataAltered, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
}

func (r *PGRepository) Create(ctx context.Context, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (contract_id, opened_by, reason, status)
		VALUES ($1::uuid, $2, $3, 'under_review')
		RETURNING ` + columns

	out, err := scan(r.pool.QueryRow(ctx, query, rec.ContractID, rec.OpenedBy, rec.Reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("arbitration: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetByContract(ctx context.Context, contractID string) (Record, error) {
	rec, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM disputes WHERE contract_id::text = $1`, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("arbitration: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Resolve(ctx context.Context, contractID string, decision Decision, resolvedBy string, dataAltered bool) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = 'resolved', decision = $2, resolved_by = $3, data_altered = $4, resolved_at = now(), updated_at = now()
		WHERE contract_id::text = $1 AND status <> 'resolved'
		RETURNING ` + columns

	rec, err := scan(r.pool.QueryRow(ctx, query, contractID, decision, resolvedBy, dataAltered))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("arbitration: resolve: %w", err)
	}
	if _, err := r.GetByContract(ctx, contractID); err != nil {
		return Record{}, err
	}
	return Record{}, ErrBadStatus
}

func (r *PGRepository) List(ctx context.Context, status Status) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM disputes`
	args := []any{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("arbitration: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("arbitration: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbitration: iterate: %w", err)
	}
	return out, nil
}

type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryRepository) Create(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ContractID]; ok {
		return Record{}, ErrDuplicate
	}
	now := m.now().UTC()
	rec.ID = uuid.NewString()
	rec.Status = StatusUnderReview
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[rec.ContractID] = rec
	return rec, nil
}

func (m *MemoryRepository) GetByContract(_ context.Context, contractID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[contractID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRepository) Resolve(_ context.Context, contractID string, decision Decision, resolvedBy string, dataAltered bool) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[contractID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusResolved {
		return Record{}, ErrBadStatus
	}
	now := m.now().UTC()
	rec.Status = StatusResolved
	rec.Decision = decision
	rec.ResolvedBy = resolvedBy
	rec.DataAltered = dataAltered
	rec.UpdatedAt = now
	rec.ResolvedAt = &now
	m.records[contractID] = rec
	return rec, nil
}

func (m *MemoryRepository) List(_ context.Context, status Status) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
