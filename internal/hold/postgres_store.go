package hold

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed hold store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, payout_id, amount, currency, debit_account, credit_account, status,
	ledger_entry_id, COALESCE(reason, ''), expires_at, created_at, updated_at`

func scanHold(row interface{ Scan(...any) error }) (*Hold, error) {
	h := &Hold{}
	err := row.Scan(&h.ID, &h.PayoutID, &h.Amount, &h.Currency, &h.DebitAccount, &h.CreditAccount,
		&h.Status, &h.LedgerEntryID, &h.Reason, &h.ExpiresAt, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) Create(ctx context.Context, h *Hold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_holds (id, payout_id, amount, currency, debit_account, credit_account,
			status, ledger_entry_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, h.ID, h.PayoutID, h.Amount, h.Currency, h.DebitAccount, h.CreditAccount,
		h.Status, h.LedgerEntryID, h.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM payout_holds WHERE id = $1
	`, id)
	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (p *PostgresStore) GetByPayout(ctx context.Context, payoutID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM payout_holds
		WHERE payout_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, payoutID)
	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (p *PostgresStore) Update(ctx context.Context, h *Hold) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payout_holds SET
			status     = $2,
			reason     = NULLIF($3, ''),
			updated_at = NOW()
		WHERE id = $1
	`, h.ID, h.Status, h.Reason)
	if err != nil {
		return fmt.Errorf("failed to update hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrHoldNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM payout_holds
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var holds []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}
