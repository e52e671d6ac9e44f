package appeal

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
)

var (
	ErrNotFound        = errors.New("appeal: not found")
	ErrAlreadyAppealed = errors.New("appeal: validation record already appealed")
	ErrAlreadyReviewed = errors.New("appeal: already reviewed")
)

// Review is the reviewer's outcome applied to a pending appeal.
type Review struct {
	Status     Status
	Reviewer   string
	Notes      string
	ReviewedAt time.Time
}

type Repository interface {
	Create(ctx context.Context, a Appeal) (Appeal, error)
	Get(ctx context.Context, id string) (Appeal, error)
	GetByRecordHash(ctx context.Context, hash string) (Appeal, error)
	// Review moves a PENDING appeal to its decision. Appeals that were
	// already decided yield ErrAlreadyReviewed.
	Review(ctx context.Context, id string, r Review) (Appeal, error)
	List(ctx context.Context, status Status) ([]Appeal, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const appealColumns = `id::text, record_hash, order_ref, user_id, verdict, justification, evidence_url,
	status, reviewer, review_notes, created_at, updated_at, reviewed_at`

func scanAppeal(row pgx.Row) (Appeal, error) {
	var a Appeal
	err := row.Scan(&a.ID, &a.RecordHash, &a.OrderRef, &a.UserID, &a.Verdict, &a.Justification, &a.EvidenceURL,
		&a.Status, &a.Reviewer, &a.ReviewNotes, &a.CreatedAt, &a.UpdatedAt, &a.ReviewedAt)
	return a, err
}

func (r *PGRepository) Create(ctx context.Context, a Appeal) (Appeal, error) {
	query := `
		INSERT INTO appeals (id, record_hash, order_ref, user_id, verdict, justification, evidence_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + appealColumns

	out, err := scanAppeal(r.pool.QueryRow(ctx, query,
		a.ID, a.RecordHash, a.OrderRef, a.UserID, a.Verdict, a.Justification, a.EvidenceURL, a.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Appeal{}, ErrAlreadyAppealed
		}
		return Appeal{}, fmt.Errorf("appeal: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Appeal, error) {
	return r.getBy(ctx, "id::text", id)
}

func (r *PGRepository) GetByRecordHash(ctx context.Context, hash string) (Appeal, error) {
	return r.getBy(ctx, "record_hash", hash)
}

func (r *PGRepository) getBy(ctx context.Context, column, value string) (Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE ` + column + ` = $1`
	a, err := scanAppeal(r.pool.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appeal{}, ErrNotFound
		}
		return Appeal{}, fmt.Errorf("appeal: query by %s: %w", column, err)
	}
	return a, nil
}

func (r *PGRepository) Review(ctx context.Context, id string, rv Review) (Appeal, error) {
	query := `
		UPDATE appeals
		SET status = $2, reviewer = $3, review_notes = $4, reviewed_at = $5, updated_at = $5
		WHERE id::text = $1 AND status = 'PENDING'
		RETURNING ` + appealColumns

	a, err := scanAppeal(r.pool.QueryRow(ctx, query, id, rv.Status, rv.Reviewer, rv.Notes, rv.ReviewedAt))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Appeal{}, fmt.Errorf("appeal: review: %w", err)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return Appeal{}, err
	}
	return Appeal{}, ErrAlreadyReviewed
}

func (r *PGRepository) List(ctx context.Context, status Status) ([]Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appeal: list: %w", err)
	}
	defer rows.Close()

	out := make([]Appeal, 0, 8)
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, fmt.Errorf("appeal: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appeal: iterate: %w", err)
	}
	return out, nil
}

// MemoryRepository is used by tests and the in-memory server mode.
type MemoryRepository struct {
	mu      sync.RWMutex
	appeals map[string]Appeal
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{appeals: make(map[string]Appeal), now: time.Now}
}

func (m *MemoryRepository) Create(_ context.Context, a Appeal) (Appeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.appeals {
		if existing.RecordHash == a.RecordHash {
			return Appeal{}, ErrAlreadyAppealed
		}
	}
	now := m.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.appeals[a.ID] = a
	return a, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Appeal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appeals[id]
	if !ok {
		return Appeal{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryRepository) GetByRecordHash(_ context.Context, hash string) (Appeal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.appeals {
		if a.RecordHash == hash {
			return a, nil
		}
	}
	return Appeal{}, ErrNotFound
}

func (m *MemoryRepository) Review(_ context.Context, id string, rv Review) (Appeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appeals[id]
	if !ok {
		return Appeal{}, ErrNotFound
	}
	if a.Status != StatusPending {
		return Appeal{}, ErrAlreadyReviewed
	}
	at := rv.ReviewedAt
	a.Status = rv.Status
	a.Reviewer = rv.Reviewer
	a.ReviewNotes = rv.Notes
	a.ReviewedAt = &at
	a.UpdatedAt = at
	m.appeals[id] = a
	return a, nil
}

func (m *MemoryRepository) List(_ context.Context, status Status) ([]Appeal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Appeal, 0, len(m.appeals))
	for _, a := range m.appeals {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Appeal) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}
