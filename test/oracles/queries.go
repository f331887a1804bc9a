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

// All returns the invariant queries. Each must return zero rows on a healthy
// database; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_version",
			SQL: `SELECT case_id, COUNT(*) FROM decision_versions
                  WHERE is_active
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_active_head_unsuperseded",
			SQL:  `SELECT id FROM decision_versions WHERE is_active AND superseded_by IS NOT NULL`,
		},
		{
			Name: "O3_inactive_linked_forward",
			SQL:  `SELECT id FROM decision_versions WHERE NOT is_active AND superseded_by IS NULL`,
		},
		{
			Name: "O4_watermark_covers_consumed_prefix",
			SQL: `SELECT e.id FROM inbound_events e
                  JOIN inbox_watermark w ON w.id = 1
                  WHERE (e.created_at, e.id) <= (w.last_seen_at, w.last_seen_event_id)
                    AND e.decision_indicator <> ''
                    AND (e.decision_applied_at IS NULL
                         OR (e.payload IS NOT NULL AND e.payload_delivered_at IS NULL))`,
		},
		{
			Name: "O5_resend_back_reference",
			SQL:  `SELECT message_id FROM outbound_records WHERE attempt_count > 1 AND resend_of_message_id IS NULL`,
		},
		{
			Name: "O6_resend_cap",
			SQL:  `SELECT id FROM decision_versions WHERE attempt_count > 3`,
		},
		{
			Name: "O7_status_domain",
			SQL: `SELECT id, detailed_status FROM cases
                  WHERE detailed_status NOT IN
                    ('intake_received','validation_pending','validation_failed','clinical_review',
                     'tracking_pending','tracking_received','letter_generation','letter_sent',
                     'decision_complete','dismissed')`,
		},
		{
			Name: "O8_supersedes_resolves",
			SQL: `SELECT v.id FROM decision_versions v
                  WHERE v.supersedes IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM decision_versions p WHERE p.id = v.supersedes)`,
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
