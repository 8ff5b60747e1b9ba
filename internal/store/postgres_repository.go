/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and
 * `MerchantDirectory` interfaces. All terminal state transitions are single
 * conditional UPDATE statements guarded on the current status so concurrent
 * duplicate callbacks resolve to exactly one winner at the database, not in
 * process memory.
 *
 * Expected schema:
 *   verifications(id uuid pk, merchant_id text, payer_phone text, amount bigint,
 *     verification_fee bigint, status text, checkout_request_id text unique,
 *     merchant_request_id text, mpesa_receipt text unique, failure_reason text,
 *     settlement_status text, settlement_checkout_request_id text unique,
 *     created_at timestamptz, resolved_at timestamptz)
 *   merchant_entitlements(mpesa_receipt text pk, merchant_id text,
 *     amount bigint, verification_id uuid, created_at timestamptz)
 *   merchants(id text pk, name text, paybill text)
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/konfirmpay/verification-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const verificationColumns = `
	id, merchant_id, payer_phone, amount, verification_fee, status,
	checkout_request_id, merchant_request_id, mpesa_receipt, failure_reason,
	settlement_status, settlement_checkout_request_id, created_at, resolved_at
`

func scanVerification(row pgx.Row) (*domain.VerificationSession, error) {
	var v domain.VerificationSession
	err := row.Scan(
		&v.ID,
		&v.MerchantID,
		&v.PayerPhone,
		&v.Amount,
		&v.VerificationFee,
		&v.Status,
		&v.CheckoutRequestID,
		&v.MerchantRequestID,
		&v.MpesaReceipt,
		&v.FailureReason,
		&v.SettlementStatus,
		&v.SettlementCheckoutRequestID,
		&v.CreatedAt,
		&v.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVerificationNotFound
		}
		return nil, err
	}
	return &v, nil
}

// CreateVerification persists a new PENDING session.
func (r *PostgresRepository) CreateVerification(ctx context.Context, v *domain.VerificationSession) error {
	query := `
		INSERT INTO verifications (
			id, merchant_id, payer_phone, amount, verification_fee, status,
			settlement_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		v.ID, v.MerchantID, v.PayerPhone, v.Amount, v.VerificationFee,
		v.Status, v.SettlementStatus, v.CreatedAt,
	)
	return err
}

// AttachCheckoutRequestID records the gateway correlation identifiers for the fee leg.
func (r *PostgresRepository) AttachCheckoutRequestID(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID string) error {
	query := `
		UPDATE verifications
		SET checkout_request_id = $2, merchant_request_id = $3
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, checkoutRequestID, merchantRequestID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrVerificationNotFound
	}
	return nil
}

// FindVerificationByID retrieves a session by its primary key.
func (r *PostgresRepository) FindVerificationByID(ctx context.Context, id uuid.UUID) (*domain.VerificationSession, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE id = $1`
	return scanVerification(r.db.QueryRow(ctx, query, id))
}

// FindVerificationByCheckoutRequestID retrieves a session by the fee leg's
// gateway correlation token.
func (r *PostgresRepository) FindVerificationByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.VerificationSession, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE checkout_request_id = $1`
	return scanVerification(r.db.QueryRow(ctx, query, checkoutRequestID))
}

// FindVerificationBySettlementCheckoutRequestID retrieves a session by the
// settlement leg's gateway correlation token.
func (r *PostgresRepository) FindVerificationBySettlementCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.VerificationSession, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE settlement_checkout_request_id = $1`
	return scanVerification(r.db.QueryRow(ctx, query, checkoutRequestID))
}

// MarkVerificationPaid transitions PENDING -> PAID with a single guarded
// update. The WHERE clause is the concurrency control: of two racing duplicate
// deliveries only one sees a PENDING row.
func (r *PostgresRepository) MarkVerificationPaid(ctx context.Context, id uuid.UUID, receipt string, resolvedAt time.Time) (bool, error) {
	query := `
		UPDATE verifications
		SET status = $2, mpesa_receipt = $3, resolved_at = $4
		WHERE id = $1 AND status = $5
	`
	result, err := r.db.Exec(ctx, query, id, domain.StatusPaid, receipt, resolvedAt, domain.StatusPending)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return false, ErrReceiptAlreadyUsed
		}
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	// No row transitioned: either unknown id or an already-terminal session.
	if _, err := r.FindVerificationByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkVerificationFailed transitions PENDING -> FAILED. A late failure
// callback never overrides an already-recorded PAID state.
func (r *PostgresRepository) MarkVerificationFailed(ctx context.Context, id uuid.UUID, reason string, resolvedAt time.Time) (bool, error) {
	query := `
		UPDATE verifications
		SET status = $2, failure_reason = $3, resolved_at = $4
		WHERE id = $1 AND status = $5
	`
	result, err := r.db.Exec(ctx, query, id, domain.StatusFailed, reason, resolvedAt, domain.StatusPending)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.FindVerificationByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkSettlementRequested claims the settlement leg for the calling instance.
func (r *PostgresRepository) MarkSettlementRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE verifications
		SET settlement_status = $2
		WHERE id = $1 AND settlement_status = $3
	`
	result, err := r.db.Exec(ctx, query, id, domain.SettlementRequested, domain.SettlementNone)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// AttachSettlementCheckoutRequestID records the settlement leg's correlation token.
func (r *PostgresRepository) AttachSettlementCheckoutRequestID(ctx context.Context, id uuid.UUID, checkoutRequestID string) error {
	query := `UPDATE verifications SET settlement_checkout_request_id = $2 WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id, checkoutRequestID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrVerificationNotFound
	}
	return nil
}

// MarkSettlementRecorded marks the settlement leg as settled. The condition on
// the requested state keeps replayed outcome callbacks from rewriting a leg
// that already resolved.
func (r *PostgresRepository) MarkSettlementRecorded(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE verifications
		SET settlement_status = $2
		WHERE id = $1 AND settlement_status = $3
	`
	result, err := r.db.Exec(ctx, query, id, domain.SettlementRecorded, domain.SettlementRequested)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// MarkSettlementFailed marks the settlement leg as failed. The session's PAID
// state is untouched; a failed second leg is retryable on its own. A leg that
// already recorded is never downgraded, so a late failure callback cannot
// reopen a settled leg for retry.
func (r *PostgresRepository) MarkSettlementFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE verifications
		SET settlement_status = $2, failure_reason = COALESCE(failure_reason, $3)
		WHERE id = $1 AND settlement_status = $4
	`
	result, err := r.db.Exec(ctx, query, id, domain.SettlementFailed, reason, domain.SettlementRequested)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// RecordEntitlement inserts at most one entitlement row per receipt.
func (r *PostgresRepository) RecordEntitlement(ctx context.Context, e *domain.EntitlementRecord) (bool, error) {
	query := `
		INSERT INTO merchant_entitlements (mpesa_receipt, merchant_id, amount, verification_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mpesa_receipt) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query, e.MpesaReceipt, e.MerchantID, e.Amount, e.VerificationID, e.CreatedAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ExpirePendingVerificationsBefore fails stale PENDING sessions in one statement.
func (r *PostgresRepository) ExpirePendingVerificationsBefore(ctx context.Context, cutoff time.Time, reason string, resolvedAt time.Time) (int64, error) {
	query := `
		UPDATE verifications
		SET status = $1, failure_reason = $2, resolved_at = $3
		WHERE status = $4 AND created_at < $5
	`
	result, err := r.db.Exec(ctx, query, domain.StatusFailed, reason, resolvedAt, domain.StatusPending, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// FindMerchantByID resolves the public merchant record for disclosure.
func (r *PostgresRepository) FindMerchantByID(ctx context.Context, merchantID string) (*domain.Merchant, error) {
	var m domain.Merchant
	query := `SELECT id, name, paybill FROM merchants WHERE id = $1`
	err := r.db.QueryRow(ctx, query, merchantID).Scan(&m.ID, &m.Name, &m.Paybill)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}
	return &m, nil
}
