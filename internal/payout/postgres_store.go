package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. The dispatch
// queue lives on the same table as the records: leasing is an UPDATE
// over a FOR UPDATE SKIP LOCKED subselect, so concurrent workers never
// double-claim a payout.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a payout store on an existing pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// payoutColumns is the select list every payout scan uses. Keep in sync
// with scanPayout.
const payoutColumns = `
	id, COALESCE(external_id, ''),
	COALESCE(origin_module, ''), COALESCE(origin_entity_type, ''), COALESCE(origin_entity_id, ''),
	beneficiary_type, beneficiary_id, COALESCE(beneficiary_account, ''),
	amount::text, currency, COALESCE(method, ''), priority,
	requested_settlement_date, scheduled_at,
	COALESCE(connector_id, ''), COALESCE(rail, ''), COALESCE(bank_reference, ''),
	status, retry_count, max_retries, next_retry_at,
	COALESCE(last_error, ''), COALESCE(last_error_code, ''),
	sla_target_date, COALESCE(sla_cutoff_time, ''), sla_violated, COALESCE(sla_violation_reason, ''),
	routing_score, COALESCE(routing_reason, ''), COALESCE(predicted_settlement, ''),
	fee_amount::text, bank_fee::text, total_cost::text,
	tenant_type, tenant_id, COALESCE(country, ''),
	COALESCE(compliance_state, ''), COALESCE(hold_id, ''), COALESCE(ledger_entry_id, ''),
	COALESCE(reconciliation_id, ''), COALESCE(created_by, ''), COALESCE(approved_by, ''),
	created_at, updated_at, processed_at, sent_at, settled_at, failed_at, reversed_at, cancelled_at`

// priorityRank orders the dispatch queue in SQL without a stored rank
// column. Keep in sync with Priority.Rank.
const priorityRank = `CASE priority
	WHEN 'priority' THEN 3
	WHEN 'instant' THEN 2
	WHEN 'standard' THEN 1
	ELSE 0 END`

func scanPayout(row interface{ Scan(...any) error }) (*Payout, error) {
	var p Payout
	var requestedDate, scheduledAt, nextRetryAt, slaTarget sql.NullTime
	var processedAt, sentAt, settledAt, failedAt, reversedAt, cancelledAt sql.NullTime
	var routingScore sql.NullFloat64

	err := row.Scan(
		&p.ID, &p.ExternalID,
		&p.OriginModule, &p.OriginEntityType, &p.OriginEntityID,
		&p.BeneficiaryType, &p.BeneficiaryID, &p.BeneficiaryAccount,
		&p.Amount, &p.Currency, &p.Method, &p.Priority,
		&requestedDate, &scheduledAt,
		&p.ConnectorID, &p.Rail, &p.BankReference,
		&p.Status, &p.RetryCount, &p.MaxRetries, &nextRetryAt,
		&p.LastError, &p.LastErrorCode,
		&slaTarget, &p.SLACutoffTime, &p.SLAViolated, &p.SLAViolationReason,
		&routingScore, &p.RoutingReason, &p.PredictedSettlement,
		&p.FeeAmount, &p.BankFee, &p.TotalCost,
		&p.TenantType, &p.TenantID, &p.Country,
		&p.ComplianceState, &p.HoldID, &p.LedgerEntryID,
		&p.ReconciliationID, &p.CreatedBy, &p.ApprovedBy,
		&p.CreatedAt, &p.UpdatedAt, &processedAt, &sentAt, &settledAt, &failedAt, &reversedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	p.RequestedSettlementDate = nullableTime(requestedDate)
	p.ScheduledAt = nullableTime(scheduledAt)
	p.NextRetryAt = nullableTime(nextRetryAt)
	p.SLATargetDate = nullableTime(slaTarget)
	p.ProcessedAt = nullableTime(processedAt)
	p.SentAt = nullableTime(sentAt)
	p.SettledAt = nullableTime(settledAt)
	p.FailedAt = nullableTime(failedAt)
	p.ReversedAt = nullableTime(reversedAt)
	p.CancelledAt = nullableTime(cancelledAt)
	if routingScore.Valid {
		p.RoutingScore = routingScore.Float64
	}
	return &p, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) Create(ctx context.Context, p *Payout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (
			id, external_id,
			origin_module, origin_entity_type, origin_entity_id,
			beneficiary_type, beneficiary_id, beneficiary_account,
			amount, currency, method, priority,
			requested_settlement_date, scheduled_at,
			connector_id, rail, bank_reference,
			status, retry_count, max_retries, next_retry_at,
			last_error, last_error_code,
			sla_target_date, sla_cutoff_time, sla_violated, sla_violation_reason,
			routing_score, routing_reason, predicted_settlement,
			fee_amount, bank_fee, total_cost,
			tenant_type, tenant_id, country,
			compliance_state, hold_id, ledger_entry_id,
			reconciliation_id, created_by, approved_by,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::numeric, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31::numeric, $32::numeric, $33::numeric,
			$34, $35, $36, $37, $38, $39, $40, $41, $42, $43, $44
		)`,
		p.ID, nullString(p.ExternalID),
		nullString(p.OriginModule), nullString(p.OriginEntityType), nullString(p.OriginEntityID),
		p.BeneficiaryType, p.BeneficiaryID, nullString(p.BeneficiaryAccount),
		p.Amount, p.Currency, nullString(p.Method), string(p.Priority),
		p.RequestedSettlementDate, p.ScheduledAt,
		nullString(p.ConnectorID), nullString(p.Rail), nullString(p.BankReference),
		string(p.Status), p.RetryCount, p.MaxRetries, p.NextRetryAt,
		nullString(p.LastError), nullString(p.LastErrorCode),
		p.SLATargetDate, nullString(p.SLACutoffTime), p.SLAViolated, nullString(p.SLAViolationReason),
		p.RoutingScore, nullString(p.RoutingReason), nullString(p.PredictedSettlement),
		p.FeeAmount, p.BankFee, p.TotalCost,
		p.TenantType, p.TenantID, nullString(p.Country),
		nullString(p.ComplianceState), nullString(p.HoldID), nullString(p.LedgerEntryID),
		nullString(p.ReconciliationID), nullString(p.CreatedBy), nullString(p.ApprovedBy),
		p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE external_id = $1`, externalID)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetByBankReference(ctx context.Context, ref string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE bank_reference = $1`, ref)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payout) error {
	p.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET
			connector_id = $2, rail = $3, bank_reference = $4,
			status = $5, retry_count = $6, next_retry_at = $7,
			last_error = $8, last_error_code = $9,
			sla_violated = $10, sla_violation_reason = $11,
			routing_score = $12, routing_reason = $13, predicted_settlement = $14,
			bank_fee = $15::numeric, total_cost = $16::numeric,
			compliance_state = $17, hold_id = $18, ledger_entry_id = $19,
			reconciliation_id = $20, approved_by = $21, scheduled_at = $22,
			updated_at = $23,
			processed_at = $24, sent_at = $25, settled_at = $26,
			failed_at = $27, reversed_at = $28, cancelled_at = $29
		WHERE id = $1`,
		p.ID,
		nullString(p.ConnectorID), nullString(p.Rail), nullString(p.BankReference),
		string(p.Status), p.RetryCount, p.NextRetryAt,
		nullString(p.LastError), nullString(p.LastErrorCode),
		p.SLAViolated, nullString(p.SLAViolationReason),
		p.RoutingScore, nullString(p.RoutingReason), nullString(p.PredictedSettlement),
		p.BankFee, p.TotalCost,
		nullString(p.ComplianceState), nullString(p.HoldID), nullString(p.LedgerEntryID),
		nullString(p.ReconciliationID), nullString(p.ApprovedBy), p.ScheduledAt,
		p.UpdatedAt,
		p.ProcessedAt, p.SentAt, p.SettledAt,
		p.FailedAt, p.ReversedAt, p.CancelledAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}

	if filter.TenantID != "" {
		add("tenant_id =", filter.TenantID)
	}
	if filter.Status != "" {
		add("status =", string(filter.Status))
	}
	if filter.BeneficiaryID != "" {
		add("beneficiary_id =", filter.BeneficiaryID)
	}
	if !filter.From.IsZero() {
		add("created_at >=", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <=", filter.To)
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

	return s.queryPayouts(ctx, query, args...)
}

func (s *PostgresStore) LeaseDue(ctx context.Context, now time.Time, limit int) ([]*Payout, error) {
	return s.queryPayouts(ctx, `
		UPDATE payouts SET status = 'processing', processed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM payouts
			WHERE (status = 'pending'
			   OR (status = 'scheduled' AND (scheduled_at IS NULL OR scheduled_at <= $1)))
			  AND EXISTS (
				SELECT 1 FROM payout_holds h
				WHERE h.payout_id = payouts.id AND h.status = 'active'
			  )
			ORDER BY `+priorityRank+` DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+payoutColumns,
		now, limit)
}

func (s *PostgresStore) LeaseRetries(ctx context.Context, now time.Time, limit int) ([]*Payout, error) {
	return s.queryPayouts(ctx, `
		UPDATE payouts SET status = 'processing', processed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM payouts
			WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			ORDER BY `+priorityRank+` DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+payoutColumns,
		now, limit)
}

func (s *PostgresStore) SLAViolations(ctx context.Context, now time.Time, limit int) ([]*Payout, error) {
	return s.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE sla_violated = false
		  AND sla_target_date IS NOT NULL AND sla_target_date < $1
		  AND status NOT IN ('settled', 'dlq', 'reversed', 'cancelled')
		ORDER BY sla_target_date ASC
		LIMIT $2`,
		now, limit)
}

func (s *PostgresStore) SweepProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error) {
	return s.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'processing' AND processed_at IS NOT NULL AND processed_at < $1
		ORDER BY processed_at ASC
		LIMIT $2`,
		cutoff, limit)
}

func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	stats := &Stats{
		TenantID: tenantID,
		ByStatus: make(map[Status]StatusStats),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM payouts
		WHERE ($1 = '' OR tenant_id = $1)
		GROUP BY status`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status Status
		var b StatusStats
		if err := rows.Scan(&status, &b.Count, &b.TotalAmount); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::text,
		       COALESCE(AVG(EXTRACT(EPOCH FROM settled_at - created_at) / 3600), 0)
		FROM payouts
		WHERE status = 'settled' AND settled_at IS NOT NULL
		  AND ($1 = '' OR tenant_id = $1)`,
		tenantID)
	if err := row.Scan(&stats.SettledCount, &stats.TotalSettledAmount, &stats.AvgSettlementHours); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) queryPayouts(ctx context.Context, query string, args ...any) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// PostgresAuditStore implements AuditStore backed by PostgreSQL.
type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Append(ctx context.Context, e *AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO payout_audit_events (
			payout_id, event_type, old_status, new_status, details,
			actor_type, actor_id, created_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, '')::jsonb, $6, NULLIF($7, ''), $8)
		RETURNING id`,
		e.PayoutID, e.EventType, string(e.OldStatus), string(e.NewStatus), e.Details,
		e.ActorType, e.ActorID, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PostgresAuditStore) ListByPayout(ctx context.Context, payoutID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payout_id, event_type, COALESCE(old_status, ''), COALESCE(new_status, ''),
		       COALESCE(details::text, ''), actor_type, COALESCE(actor_id, ''), created_at
		FROM payout_audit_events
		WHERE payout_id = $1
		ORDER BY id ASC`,
		payoutID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.PayoutID, &e.EventType, &e.OldStatus, &e.NewStatus,
			&e.Details, &e.ActorType, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PostgresAlertStore implements AlertStore backed by PostgreSQL.
type PostgresAlertStore struct {
	db *sql.DB
}

func NewPostgresAlertStore(db *sql.DB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

func (s *PostgresAlertStore) Create(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_alerts (
			id, payout_id, tenant_id, type, severity, message, details,
			resolved, resolved_by, resolved_at, note, created_at
		) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, NULLIF($7, '')::jsonb,
			$8, NULLIF($9, ''), $10, NULLIF($11, ''), $12)`,
		a.ID, a.PayoutID, a.TenantID, a.Type, a.Severity, a.Message, a.Details,
		a.Resolved, a.ResolvedBy, a.ResolvedAt, a.Note, a.CreatedAt,
	)
	return err
}

const alertColumns = `
	id, COALESCE(payout_id, ''), COALESCE(tenant_id, ''), type, severity, message,
	COALESCE(details::text, ''), resolved, COALESCE(resolved_by, ''), resolved_at,
	COALESCE(note, ''), created_at`

func scanAlert(row interface{ Scan(...any) error }) (*Alert, error) {
	var a Alert
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.PayoutID, &a.TenantID, &a.Type, &a.Severity, &a.Message,
		&a.Details, &a.Resolved, &a.ResolvedBy, &resolvedAt, &a.Note, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.ResolvedAt = nullableTime(resolvedAt)
	return &a, nil
}

func (s *PostgresAlertStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM payout_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}

func (s *PostgresAlertStore) List(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM payout_alerts WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}

	if filter.TenantID != "" {
		add("tenant_id =", filter.TenantID)
	}
	if filter.Type != "" {
		add("type =", filter.Type)
	}
	if filter.Severity != "" {
		add("severity =", filter.Severity)
	}
	if filter.Unresolved {
		query += " AND resolved = false"
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresAlertStore) Update(ctx context.Context, a *Alert) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_alerts SET
			resolved = $2, resolved_by = NULLIF($3, ''), resolved_at = $4, note = NULLIF($5, '')
		WHERE id = $1`,
		a.ID, a.Resolved, a.ResolvedBy, a.ResolvedAt, a.Note,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// PostgresRetryLogStore implements RetryLogStore backed by PostgreSQL.
type PostgresRetryLogStore struct {
	db *sql.DB
}

func NewPostgresRetryLogStore(db *sql.DB) *PostgresRetryLogStore {
	return &PostgresRetryLogStore{db: db}
}

func (s *PostgresRetryLogStore) Append(ctx context.Context, e *RetryLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO payout_retry_log (
			payout_id, attempt, error_code, error_message,
			connector_id, rail, next_retry_at, created_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		RETURNING id`,
		e.PayoutID, e.Attempt, e.ErrorCode, e.ErrorMessage,
		e.ConnectorID, e.Rail, e.NextRetryAt, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PostgresRetryLogStore) ListByPayout(ctx context.Context, payoutID string) ([]*RetryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payout_id, attempt, COALESCE(error_code, ''), COALESCE(error_message, ''),
		       COALESCE(connector_id, ''), COALESCE(rail, ''), next_retry_at, created_at
		FROM payout_retry_log
		WHERE payout_id = $1
		ORDER BY id ASC`,
		payoutID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RetryLogEntry
	for rows.Next() {
		var e RetryLogEntry
		var nextRetryAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.PayoutID, &e.Attempt, &e.ErrorCode, &e.ErrorMessage,
			&e.ConnectorID, &e.Rail, &nextRetryAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.NextRetryAt = nullableTime(nextRetryAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
