package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_quote",
			SQL: `SELECT job_id, COUNT(*) FROM quotes
                  WHERE status = 'accepted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_booking_per_job",
			SQL: `SELECT job_id, COUNT(*) FROM bookings
                  WHERE job_id IS NOT NULL
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_ledger_matches_balances",
			SQL: `SELECT c.id, c.funded_amount, c.released_amount, c.refunded_amount
                  FROM escrow_contracts c
                  LEFT JOIN (
                      SELECT contract_id,
                             COALESCE(SUM(amount) FILTER (WHERE kind = 'fund'), 0)    AS funded,
                             COALESCE(SUM(amount) FILTER (WHERE kind = 'release'), 0) AS released,
                             COALESCE(SUM(amount) FILTER (WHERE kind = 'refund'), 0)  AS refunded
                      FROM escrow_transactions GROUP BY contract_id
                  ) t ON t.contract_id = c.id
                  WHERE c.funded_amount   <> COALESCE(t.funded, 0)
                     OR c.released_amount <> COALESCE(t.released, 0)
                     OR c.refunded_amount <> COALESCE(t.refunded, 0)`,
		},
		{
			Name: "O4_released_milestone_has_payout",
			SQL: `SELECT m.id FROM escrow_milestones m
                  WHERE m.status = 'released'
                    AND NOT EXISTS (
                        SELECT 1 FROM escrow_transactions t
                        WHERE t.milestone_id = m.id AND t.kind = 'release')`,
		},
		{
			Name: "O5_disputed_booking_has_open_dispute",
			SQL: `SELECT b.id FROM bookings b
                  WHERE b.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.booking_id = b.id AND d.status NOT IN ('resolved', 'withdrawn'))`,
		},
		{
			Name: "O6_frozen_contract_has_open_dispute",
			SQL: `SELECT c.id FROM escrow_contracts c
                  WHERE c.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.contract_id = c.id AND d.status NOT IN ('resolved', 'withdrawn'))`,
		},
		{
			Name: "O7_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes every oracle and returns the first failure's name and sample
// row, or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
