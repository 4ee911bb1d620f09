package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance arithmetic runs in SQL on NUMERIC(20,2) columns; the CHECK
// constraints on ledger_accounts prevent overdraft and negative held
// funds at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, account, currency string) (*Account, error) {
	acct := &Account{Account: account, Currency: currency}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, held, updated_at
		FROM ledger_accounts WHERE account = $1 AND currency = $2
	`, account, currency).Scan(&acct.Available, &acct.Held, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Account{
			Account:   account,
			Currency:  currency,
			Available: "0.00",
			Held:      "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Credit(ctx context.Context, account, currency, amount, reference string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (account, currency, available, held, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), 0, NOW())
		ON CONFLICT (account, currency) DO UPDATE SET
			available  = ledger_accounts.available + $3::NUMERIC(20,2),
			updated_at = NOW()
	`, account, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	return nil
}

func (p *PostgresStore) Hold(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Atomic: decrease available, increase held. The CHECK constraint on
	// available >= 0 rejects overdraft.
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET
			available  = available - $3::NUMERIC(20,2),
			held       = held      + $3::NUMERIC(20,2),
			updated_at = NOW()
		WHERE account = $1 AND currency = $2
	`, e.DebitAccount, e.Currency, e.Amount)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to place hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, payout_id, type, debit_account, credit_account, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8, NOW(), NOW())
	`, e.ID, e.PayoutID, e.Type, e.DebitAccount, e.CreditAccount, e.Amount, e.Currency, e.Status)
	if err != nil {
		return fmt.Errorf("failed to record hold entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Release(ctx context.Context, entryID string) (*Entry, error) {
	return p.finishHold(ctx, entryID, EntryReleased, "", false)
}

func (p *PostgresStore) Reverse(ctx context.Context, entryID, reason string) (*Entry, error) {
	return p.finishHold(ctx, entryID, EntryReversed, reason, true)
}

// finishHold transitions a posted hold entry to released or reversed.
// When refund is true, held funds return to available; otherwise they
// leave the account.
func (p *PostgresStore) finishHold(ctx context.Context, entryID, newStatus, reason string, refund bool) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e := &Entry{ID: entryID}
	err = tx.QueryRowContext(ctx, `
		SELECT payout_id, type, debit_account, credit_account, amount, currency, status, COALESCE(reason, ''), created_at, updated_at
		FROM ledger_entries WHERE id = $1
		FOR UPDATE
	`, entryID).Scan(&e.PayoutID, &e.Type, &e.DebitAccount, &e.CreditAccount, &e.Amount, &e.Currency, &e.Status, &e.Reason, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	// Idempotent: settled entries stay as they are.
	if e.Status != EntryPosted {
		return e, tx.Commit()
	}

	var balanceSQL string
	if refund {
		balanceSQL = `
			UPDATE ledger_accounts SET
				held       = held      - $3::NUMERIC(20,2),
				available  = available + $3::NUMERIC(20,2),
				updated_at = NOW()
			WHERE account = $1 AND currency = $2`
	} else {
		balanceSQL = `
			UPDATE ledger_accounts SET
				held       = held - $3::NUMERIC(20,2),
				updated_at = NOW()
			WHERE account = $1 AND currency = $2`
	}
	result, err := tx.ExecContext(ctx, balanceSQL, e.DebitAccount, e.Currency, e.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to settle hold funds: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $2, reason = NULLIF($3, ''), updated_at = NOW() WHERE id = $1
	`, entryID, newStatus, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to update hold entry: %w", err)
	}

	e.Status = newStatus
	e.Reason = reason
	return e, tx.Commit()
}

func (p *PostgresStore) Post(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, payout_id, type, debit_account, credit_account, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8, NOW(), NOW())
	`, e.ID, e.PayoutID, e.Type, e.DebitAccount, e.CreditAccount, e.Amount, e.Currency, e.Status)
	if err != nil {
		return fmt.Errorf("failed to record final entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	e := &Entry{ID: entryID}
	err := p.db.QueryRowContext(ctx, `
		SELECT payout_id, type, debit_account, credit_account, amount, currency, status, COALESCE(reason, ''), created_at, updated_at
		FROM ledger_entries WHERE id = $1
	`, entryID).Scan(&e.PayoutID, &e.Type, &e.DebitAccount, &e.CreditAccount, &e.Amount, &e.Currency, &e.Status, &e.Reason, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) ListByPayout(ctx context.Context, payoutID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payout_id, type, debit_account, credit_account, amount, currency, status, COALESCE(reason, ''), created_at, updated_at
		FROM ledger_entries
		WHERE payout_id = $1
		ORDER BY created_at ASC
	`, payoutID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.PayoutID, &e.Type, &e.DebitAccount, &e.CreditAccount,
			&e.Amount, &e.Currency, &e.Status, &e.Reason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// isCheckViolation reports whether err is a Postgres CHECK constraint
// violation (SQLSTATE 23514).
func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23514")
}
