// Package oracles holds the SQL invariant checks the stress test evaluates
// while the actors run. Every query returns rows only on a violation.
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
			Name: "O1_funds_conservation",
			SQL: `SELECT id FROM escrows
                  WHERE balance_cents < 0
                     OR released_cents + refunded_cents > committed_cents
                     OR balance_cents + released_cents + refunded_cents <> committed_cents`,
		},
		{
			Name: "O2_no_double_release",
			SQL: `SELECT e.id FROM escrows e
                  JOIN (SELECT escrow_id, COALESCE(SUM(amount_cents),0) AS paid
                        FROM milestones WHERE status='paid' GROUP BY escrow_id) m
                    ON m.escrow_id = e.id
                  WHERE e.released_cents <> m.paid`,
		},
		{
			Name: "O3_quorum_respected",
			SQL: `SELECT m.id FROM milestones m
                  LEFT JOIN (SELECT milestone_id, COUNT(*) AS n
                             FROM milestone_signatures GROUP BY milestone_id) s
                    ON s.milestone_id = m.id
                  WHERE m.status = 'paid' AND COALESCE(s.n, 0) < m.required_signatures`,
		},
		{
			Name: "O4_audit_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT tender_id, seq,
                             LAG(seq) OVER (PARTITION BY tender_id ORDER BY seq) AS prev
                      FROM audit_log)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O5_chain_links",
			SQL: `WITH links AS (
                      SELECT tender_id, seq, prev_hash,
                             LAG(hash) OVER (PARTITION BY tender_id ORDER BY seq) AS expected
                      FROM audit_log)
                  SELECT * FROM links
                  WHERE COALESCE(expected, '') <> prev_hash`,
		},
		{
			Name: "O6_single_preferred_bid",
			SQL: `SELECT tender_id, COUNT(*) FROM bids
                  WHERE preferred GROUP BY tender_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_single_open_dispute",
			SQL: `SELECT tender_id, COUNT(*) FROM disputes
                  WHERE status IN ('pending','under_review')
                  GROUP BY tender_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_one_live_bid_version",
			SQL: `SELECT tender_id, provider_id, COUNT(*) FROM bids
                  WHERE NOT withdrawn
                  GROUP BY tender_id, provider_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_sealed_past_submission",
			SQL: `SELECT id FROM tenders
                  WHERE stage IN ('evaluation','awarded','disputed') AND NOT sealed`,
		},
		{
			Name: "O10_released_means_drained",
			SQL: `SELECT id FROM escrows
                  WHERE (status = 'released' AND balance_cents <> 0)
                     OR (balance_cents = 0 AND released_cents = committed_cents
                         AND status <> 'released')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
	}
	return "", "", nil
}
