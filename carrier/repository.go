package carrier

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustgate/geo"
)

// ErrNotFound signals the requested carrier does not exist.
var ErrNotFound = errors.New("carrier: not found")

type Repository interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	Upsert(ctx context.Context, p Profile) (Profile, error)
	UpdateLocation(ctx context.Context, id string, loc geo.Point) error
	// RecordDelivery counts one finished order, completed or not.
	RecordDelivery(ctx context.Context, id string, completed bool) (Profile, error)
}

// PGRepository provides access to carrier profiles.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const profileColumns = `id, name, rating::float8, total_orders, completed_orders, location_lat, location_lon, created_at, updated_at`

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p        Profile
		lat, lon *float64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Rating, &p.TotalOrders, &p.CompletedOrders, &lat, &lon, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Profile{}, err
	}
	if lat != nil && lon != nil {
		p.Location = &geo.Point{Lat: *lat, Lon: *lon}
	}
	return p, nil
}

// GetByID fetches a carrier profile by its primary key.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM carriers WHERE id = $1`

	p, err := scanProfile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("carrier: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit carrier profiles ordered by name.
func (r *PGRepository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + profileColumns + ` FROM carriers ORDER BY name ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("carrier: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("carrier: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("carrier: iterate profiles: %w", err)
	}
	return profiles, nil
}

func (r *PGRepository) Upsert(ctx context.Context, p Profile) (Profile, error) {
	var lat, lon *float64
	if p.Location != nil {
		lat, lon = &p.Location.Lat, &p.Location.Lon
	}
	query := `
		INSERT INTO carriers (id, name, rating, total_orders, completed_orders, location_lat, location_lon)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    rating = EXCLUDED.rating,
		    total_orders = EXCLUDED.total_orders,
		    completed_orders = EXCLUDED.completed_orders,
		    location_lat = EXCLUDED.location_lat,
		    location_lon = EXCLUDED.location_lon,
		    updated_at = now()
		RETURNING ` + profileColumns

	out, err := scanProfile(r.pool.QueryRow(ctx, query, p.ID, p.Name, p.Rating, p.TotalOrders, p.CompletedOrders, lat, lon))
	if err != nil {
		return Profile{}, fmt.Errorf("carrier: upsert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateLocation(ctx context.Context, id string, loc geo.Point) error {
	tag, err := r.pool.Exec(ctx, `UPDATE carriers SET location_lat = $2, location_lon = $3, updated_at = now() WHERE id = $1`, id, loc.Lat, loc.Lon)
	if err != nil {
		return fmt.Errorf("carrier: update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) RecordDelivery(ctx context.Context, id string, completed bool) (Profile, error) {
	query := `
		UPDATE carriers
		SET total_orders = total_orders + 1,
		    completed_orders = completed_orders + CASE WHEN $2 THEN 1 ELSE 0 END,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + profileColumns

	p, err := scanProfile(r.pool.QueryRow(ctx, query, id, completed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("carrier: record delivery: %w", err)
	}
	return p, nil
}

type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{profiles: make(map[string]Profile), now: time.Now}
}

func (m *MemoryRepository) GetByID(_ context.Context, id string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepository) List(_ context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Profile) int { return strings.Compare(a.Name, b.Name) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Upsert(_ context.Context, p Profile) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if existing, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.profiles[p.ID] = p
	return p, nil
}

func (m *MemoryRepository) UpdateLocation(_ context.Context, id string, loc geo.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Location = &loc
	p.UpdatedAt = m.now().UTC()
	m.profiles[id] = p
	return nil
}

func (m *MemoryRepository) RecordDelivery(_ context.Context, id string, completed bool) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	p.TotalOrders++
	if completed {
		p.CompletedOrders++
	}
	p.UpdatedAt = m.now().UTC()
	m.profiles[id] = p
	return p, nil
}
