package passport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals no passport exists for the principal.
	ErrNotFound = errors.New("passport: not found")
	// ErrAlreadyExists is returned when onboarding a principal twice.
	ErrAlreadyExists = errors.New("passport: already exists")
	// ErrVersionConflict means the passport changed since it was read.
	ErrVersionConflict = errors.New("passport: version conflict")
)

// Repository stores passports. Update succeeds only when p.Version matches the
// stored version and returns the passport with the incremented version.
type Repository interface {
	Create(ctx context.Context, p Passport) (Passport, error)
	GetByUserID(ctx context.Context, userID string) (Passport, error)
	Update(ctx context.Context, p Passport) (Passport, error)
	List(ctx context.Context, limit int) ([]Passport, error)
}

// PGRepository is the compliance_passports table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const passportColumns = `id::text, user_id, entity_type, trust_score::float8, compliance_status,
	biometrics_enabled, verification_data, expires_at, created_at, updated_at, version`

func scanPassport(row pgx.Row) (Passport, error) {
	var (
		p       Passport
		entity  string
		status  string
		rawData []byte
	)
	if err := row.Scan(&p.ID, &p.UserID, &entity, &p.TrustScore, &status, &p.BiometricsEnabled,
		&rawData, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt, &p.Version); err != nil {
		return Passport{}, err
	}
	p.EntityType = EntityType(entity)
	p.Status = Status(status)
	if len(rawData) > 0 {
		if err := json.Unmarshal(rawData, &p.Verification); err != nil {
			return Passport{}, fmt.Errorf("passport: decode verification data: %w", err)
		}
	}
	return p, nil
}

func (r *PGRepository) Create(ctx context.Context, p Passport) (Passport, error) {
	data, err := json.Marshal(p.Verification)
	if err != nil {
		return Passport{}, fmt.Errorf("passport: encode verification data: %w", err)
	}
	query := `
INSERT INTO compliance_passports (id, user_id, entity_type, trust_score, compliance_status,
	biometrics_enabled, verification_data, expires_at, created_at, updated_at, version)
VALUES ($1, $2, $3, $4::float8, $5, $6, $7, $8, $9, $9, 0)
RETURNING ` + passportColumns

	out, err := scanPassport(r.pool.QueryRow(ctx, query,
		p.ID, p.UserID, string(p.EntityType), p.TrustScore, string(p.Status),
		p.BiometricsEnabled, data, p.ExpiresAt, p.CreatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Passport{}, ErrAlreadyExists
		}
		return Passport{}, fmt.Errorf("passport: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetByUserID(ctx context.Context, userID string) (Passport, error) {
	p, err := scanPassport(r.pool.QueryRow(ctx, `SELECT `+passportColumns+` FROM compliance_passports WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Passport{}, ErrNotFound
		}
		return Passport{}, fmt.Errorf("passport: query by user: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Update(ctx context.Context, p Passport) (Passport, error) {
	data, err := json.Marshal(p.Verification)
	if err != nil {
		return Passport{}, fmt.Errorf("passport: encode verification data: %w", err)
	}
	query := `
UPDATE compliance_passports
SET trust_score = $3::float8,
    compliance_status = $4,
    biometrics_enabled = $5,
    verification_data = $6,
    expires_at = $7,
    updated_at = $8,
    version = version + 1
WHERE user_id = $1 AND version = $2
RETURNING ` + passportColumns

	out, err := scanPassport(r.pool.QueryRow(ctx, query,
		p.UserID, p.Version, p.TrustScore, string(p.Status), p.BiometricsEnabled, data, p.ExpiresAt, p.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByUserID(ctx, p.UserID); errors.Is(getErr, ErrNotFound) {
				return Passport{}, ErrNotFound
			}
			return Passport{}, ErrVersionConflict
		}
		return Passport{}, fmt.Errorf("passport: update: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, limit int) ([]Passport, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+passportColumns+` FROM compliance_passports ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("passport: list: %w", err)
	}
	defer rows.Close()

	out := make([]Passport, 0, limit)
	for rows.Next() {
		p, err := scanPassport(rows)
		if err != nil {
			return nil, fmt.Errorf("passport: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("passport: iterate: %w", err)
	}
	return out, nil
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	byUser map[string]Passport
	order  []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byUser: make(map[string]Passport)}
}

func (r *MemoryRepository) Create(_ context.Context, p Passport) (Passport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[p.UserID]; ok {
		return Passport{}, ErrAlreadyExists
	}
	p.Version = 0
	p.UpdatedAt = p.CreatedAt
	r.byUser[p.UserID] = clone(p)
	r.order = append(r.order, p.UserID)
	return clone(p), nil
}

func (r *MemoryRepository) GetByUserID(_ context.Context, userID string) (Passport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUser[userID]
	if !ok {
		return Passport{}, ErrNotFound
	}
	return clone(p), nil
}

func (r *MemoryRepository) Update(_ context.Context, p Passport) (Passport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byUser[p.UserID]
	if !ok {
		return Passport{}, ErrNotFound
	}
	if cur.Version != p.Version {
		return Passport{}, ErrVersionConflict
	}
	p.ID = cur.ID
	p.EntityType = cur.EntityType
	p.CreatedAt = cur.CreatedAt
	p.Version = cur.Version + 1
	r.byUser[p.UserID] = clone(p)
	return clone(p), nil
}

func (r *MemoryRepository) List(_ context.Context, limit int) ([]Passport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	out := make([]Passport, 0, min(limit, len(r.order)))
	for _, id := range r.order {
		if len(out) == limit {
			break
		}
		out = append(out, clone(r.byUser[id]))
	}
	return out, nil
}

// clone deep-copies the verification data so callers cannot mutate stored state.
func clone(p Passport) Passport {
	raw, err := json.Marshal(p.Verification)
	if err == nil {
		var v VerificationData
		if json.Unmarshal(raw, &v) == nil {
			p.Verification = v
		}
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		p.ExpiresAt = &t
	}
	return p
}
