package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a batch store on an existing pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const batchColumns = `
	id, tenant_type, tenant_id, name, currency, status,
	COALESCE(schedule, ''), scheduled_at, item_count, total_amount::text,
	created_items, failed_items, COALESCE(created_by, ''),
	created_at, updated_at, locked_at, processed_at, completed_at`

func scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	var b Batch
	var scheduledAt, lockedAt, processedAt, completedAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.TenantType, &b.TenantID, &b.Name, &b.Currency, &b.Status,
		&b.Schedule, &scheduledAt, &b.ItemCount, &b.TotalAmount,
		&b.CreatedItems, &b.FailedItems, &b.CreatedBy,
		&b.CreatedAt, &b.UpdatedAt, &lockedAt, &processedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if scheduledAt.Valid {
		b.ScheduledAt = &scheduledAt.Time
	}
	if lockedAt.Valid {
		b.LockedAt = &lockedAt.Time
	}
	if processedAt.Valid {
		b.ProcessedAt = &processedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return &b, nil
}

func (s *PostgresStore) Create(ctx context.Context, b *Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_batches (
			id, tenant_type, tenant_id, name, currency, status,
			schedule, scheduled_at, item_count, total_amount,
			created_items, failed_items, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10::numeric, $11, $12, NULLIF($13, ''), $14, $15)`,
		b.ID, b.TenantType, b.TenantID, b.Name, b.Currency, string(b.Status),
		b.Schedule, b.ScheduledAt, b.ItemCount, b.TotalAmount,
		b.CreatedItems, b.FailedItems, b.CreatedBy, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	return b, err
}

func (s *PostgresStore) Update(ctx context.Context, b *Batch) error {
	b.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_batches SET
			status = $2, scheduled_at = $3, item_count = $4, total_amount = $5::numeric,
			created_items = $6, failed_items = $7, updated_at = $8,
			locked_at = $9, processed_at = $10, completed_at = $11
		WHERE id = $1`,
		b.ID, string(b.Status), b.ScheduledAt, b.ItemCount, b.TotalAmount,
		b.CreatedItems, b.FailedItems, b.UpdatedAt,
		b.LockedAt, b.ProcessedAt, b.CompletedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM payout_batches WHERE 1=1`
	var args []any
	n := 0
	if filter.TenantID != "" {
		n++
		query += fmt.Sprintf(" AND tenant_id = $%d", n)
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	return s.queryBatches(ctx, query, args...)
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM payout_batches
		WHERE status = 'locked' AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY scheduled_at ASC NULLS FIRST
		LIMIT $2`,
		now, limit)
}

func (s *PostgresStore) queryBatches(ctx context.Context, query string, args ...any) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddItem(ctx context.Context, item *Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_batch_items (
			id, batch_id, seq, beneficiary_type, beneficiary_id, beneficiary_account,
			amount, status, payout_id, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7::numeric, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)`,
		item.ID, item.BatchID, item.Seq, item.BeneficiaryType, item.BeneficiaryID, item.BeneficiaryAccount,
		item.Amount, item.Status, item.PayoutID, item.Error, item.CreatedAt, item.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListItems(ctx context.Context, batchID string) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, seq, beneficiary_type, beneficiary_id, COALESCE(beneficiary_account, ''),
		       amount::text, status, COALESCE(payout_id, ''), COALESCE(error, ''), created_at, updated_at
		FROM payout_batch_items
		WHERE batch_id = $1
		ORDER BY seq ASC`,
		batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.BatchID, &it.Seq, &it.BeneficiaryType, &it.BeneficiaryID,
			&it.BeneficiaryAccount, &it.Amount, &it.Status, &it.PayoutID, &it.Error,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateItem(ctx context.Context, item *Item) error {
	item.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_batch_items SET
			status = $3, payout_id = NULLIF($4, ''), error = NULLIF($5, ''), updated_at = $6
		WHERE id = $1 AND batch_id = $2`,
		item.ID, item.BatchID, item.Status, item.PayoutID, item.Error, item.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}
