package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_bid",
			SQL: `SELECT order_id, COUNT(*) FROM bids
                  WHERE status = 'ACCEPTED'
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_awarded_order_state",
			SQL: `SELECT b.id, o.status FROM bids b
                  JOIN freight_orders o ON o.id = b.order_id
                  WHERE b.status = 'ACCEPTED' AND o.status <> 'AWARDED'`,
		},
		{
			Name: "O3_contract_for_winner_only",
			SQL: `SELECT c.id, b.status FROM contracts c
                  JOIN bids b ON b.id::text = c.bid_id
                  WHERE b.status <> 'ACCEPTED'`,
		},
		{
			Name: "O4_release_timestamp",
			SQL: `SELECT id, status, released_at FROM contracts
                  WHERE (status = 'RELEASED') <> (released_at IS NOT NULL)`,
		},
		{
			Name: "O5_single_release_event",
			SQL: `SELECT key, COUNT(*) FROM outbox
                  WHERE topic = 'finance.escrow.released'
                  GROUP BY key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_release_has_event",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.status = 'RELEASED'
                    AND NOT EXISTS (SELECT 1 FROM outbox o
                                    WHERE o.topic = 'finance.escrow.released' AND o.key = c.id::text)`,
		},
		{
			Name: "O7_worm_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT chain, seq,
                             LAG(seq) OVER (PARTITION BY chain ORDER BY seq) AS prev
                      FROM worm_records)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O8_worm_hash_linkage",
			SQL: `SELECT r.chain, r.seq FROM worm_records r
                  JOIN worm_records p ON p.chain = r.chain AND p.seq = r.seq - 1
                  WHERE r.previous_hash <> p.hash`,
		},
		{
			Name: "O9_worm_head_matches_tip",
			SQL: `SELECT h.chain, h.seq, t.seq FROM worm_chain_heads h
                  LEFT JOIN (SELECT DISTINCT ON (chain) chain, seq, hash
                             FROM worm_records ORDER BY chain, seq DESC) t ON t.chain = h.chain
                  WHERE COALESCE(t.seq, 0) <> h.seq OR (t.hash IS NOT NULL AND t.hash <> h.hash)`,
		},
		{
			Name: "O10_worm_guard_present",
			SQL: `SELECT 'missing_worm_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'worm_records_guard')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
