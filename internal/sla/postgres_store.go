package sla

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(connector_id, ''), COALESCE(rail, ''), COALESCE(country, ''),
		       COALESCE(currency, ''), COALESCE(priority, ''), COALESCE(cutoff_time, ''),
		       processing_days, settlement_days, exclude_weekends, exclude_holidays,
		       base_fee, percentage_fee, min_fee, max_fee, active, created_at
		FROM sla_rules
		WHERE active = TRUE
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []*Rule
	for rows.Next() {
		r := &Rule{}
		if err := rows.Scan(&r.ID, &r.ConnectorID, &r.Rail, &r.Country, &r.Currency, &r.Priority,
			&r.CutoffTime, &r.ProcessingDays, &r.SettlementDays, &r.ExcludeWeekends, &r.ExcludeHolidays,
			&r.BaseFee, &r.PercentageFee, &r.MinFee, &r.MaxFee, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *PostgresStore) Create(ctx context.Context, rule *Rule) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO sla_rules (connector_id, rail, country, currency, priority, cutoff_time,
			processing_days, settlement_days, exclude_weekends, exclude_holidays,
			base_fee, percentage_fee, min_fee, max_fee, active, created_at)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7, $8, $9, $10,
			$11::NUMERIC(20,2), $12::NUMERIC(8,6), $13::NUMERIC(20,2), $14::NUMERIC(20,2), TRUE, NOW())
		RETURNING id
	`, rule.ConnectorID, rule.Rail, rule.Country, rule.Currency, rule.Priority, rule.CutoffTime,
		rule.ProcessingDays, rule.SettlementDays, rule.ExcludeWeekends, rule.ExcludeHolidays,
		rule.BaseFee, rule.PercentageFee, rule.MinFee, rule.MaxFee).Scan(&rule.ID)
}

func (p *PostgresStore) Deactivate(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE sla_rules SET active = FALSE WHERE id = $1`, id)
	return err
}
