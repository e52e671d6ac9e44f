package worm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Querier is the read side shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore keeps chains in worm_records. The chain head row is locked FOR
// UPDATE for the length of an append, which serializes writers per chain
// across processes. A trigger rejects UPDATE of hashed columns and DELETE.
type PGStore struct {
	pool TxBeginner
	db   Querier
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, db: pool}
}

func (s *PGStore) Append(ctx context.Context, chain Chain, rec Record) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("worm: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO worm_chain_heads (chain, seq, hash)
VALUES ($1, 0, $2)
ON CONFLICT (chain) DO NOTHING;
`, string(chain), GenesisHash); err != nil {
		return Record{}, fmt.Errorf("worm: ensure chain head: %w", err)
	}

	var head Head
	if err := tx.QueryRow(ctx, `SELECT seq, hash FROM worm_chain_heads WHERE chain = $1 FOR UPDATE`, string(chain)).
		Scan(&head.Seq, &head.Hash); err != nil {
		return Record{}, fmt.Errorf("worm: lock chain head: %w", err)
	}

	rec.Chain = chain
	if err := seal(&rec, head); err != nil {
		return Record{}, err
	}

	const insertSQL = `
INSERT INTO worm_records (id, chain, seq, user_id, subject, payload, previous_hash, hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	if _, err := tx.Exec(ctx, insertSQL,
		rec.ID, string(rec.Chain), rec.Seq, rec.UserID, rec.Subject, string(rec.Payload),
		rec.PreviousHash, rec.Hash, rec.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, fmt.Errorf("worm: duplicate record %s/%d: %w", chain, rec.Seq, err)
		}
		return Record{}, fmt.Errorf("worm: insert record: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE worm_chain_heads SET seq = $2, hash = $3 WHERE chain = $1`, string(chain), rec.Seq, rec.Hash); err != nil {
		return Record{}, fmt.Errorf("worm: advance chain head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("worm: commit append: %w", err)
	}
	return rec, nil
}

const selectRecord = `
SELECT id::text, chain, seq, user_id, subject, payload, previous_hash, hash, COALESCE(appeal_status, ''), created_at
FROM worm_records
`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		chain   string
		payload string
	)
	if err := row.Scan(&rec.ID, &chain, &rec.Seq, &rec.UserID, &rec.Subject, &payload,
		&rec.PreviousHash, &rec.Hash, &rec.AppealStatus, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Chain = Chain(chain)
	rec.Payload = []byte(payload)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *PGStore) Scan(ctx context.Context, chain Chain, fn func(Record) error) error {
	rows, err := s.db.Query(ctx, selectRecord+`WHERE chain = $1 ORDER BY seq`, string(chain))
	if err != nil {
		return fmt.Errorf("worm: scan %s: %w", chain, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("worm: scan %s row: %w", chain, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PGStore) FindByHash(ctx context.Context, hash string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, selectRecord+`WHERE hash = $1`, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("worm: find by hash: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	return s.list(ctx, selectRecord+`WHERE user_id = $1 ORDER BY created_at, chain, seq`, userID)
}

func (s *PGStore) ListBySubject(ctx context.Context, subject string) ([]Record, error) {
	return s.list(ctx, selectRecord+`WHERE subject = $1 ORDER BY created_at, chain, seq`, subject)
}

func (s *PGStore) list(ctx context.Context, query string, arg string) ([]Record, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("worm: list records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("worm: list records row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) SetAppealStatus(ctx context.Context, hash, status string) error {
	tag, err := s.db.Exec(ctx, `UPDATE worm_records SET appeal_status = $2 WHERE hash = $1`, hash, status)
	if err != nil {
		return fmt.Errorf("worm: set appeal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
