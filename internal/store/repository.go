/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the verification-service needs. The interface decouples the
 * orchestrator from the PostgreSQL implementation so it can be exercised
 * against the in-memory double in tests.
 *
 * The repository is the sole source of truth for session state. Terminal
 * transitions are conditional updates keyed on the expected prior state, never
 * read-modify-write pairs, because duplicate gateway callbacks can race across
 * multiple service instances.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: For session identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/konfirmpay/verification-service/internal/domain"
)

var (
	ErrVerificationNotFound = errors.New("verification not found")
	ErrMerchantNotFound     = errors.New("merchant not found")
	// ErrReceiptAlreadyUsed is returned when a PAID transition would reuse a
	// receipt already recorded against a different session.
	ErrReceiptAlreadyUsed = errors.New("mpesa receipt already recorded")
)

// Repository defines the persistence operations for verification sessions and
// merchant entitlements.
type Repository interface {
	// CreateVerification durably persists a new PENDING session. It must
	// succeed before the gateway is contacted.
	CreateVerification(ctx context.Context, v *domain.VerificationSession) error

	// AttachCheckoutRequestID records the gateway correlation token for the
	// verification fee leg. Best-effort second write; reconciliation can still
	// match by session id if it never lands.
	AttachCheckoutRequestID(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID string) error

	FindVerificationByID(ctx context.Context, id uuid.UUID) (*domain.VerificationSession, error)
	FindVerificationByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.VerificationSession, error)
	FindVerificationBySettlementCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.VerificationSession, error)

	// MarkVerificationPaid atomically transitions PENDING -> PAID, stamping the
	// receipt and resolution time. It returns true only for the call that won
	// the transition; a false return with nil error means the session was
	// already terminal (duplicate delivery).
	MarkVerificationPaid(ctx context.Context, id uuid.UUID, receipt string, resolvedAt time.Time) (bool, error)

	// MarkVerificationFailed atomically transitions PENDING -> FAILED. A
	// terminal session is left untouched and reported via the bool.
	MarkVerificationFailed(ctx context.Context, id uuid.UUID, reason string, resolvedAt time.Time) (bool, error)

	// MarkSettlementRequested flips the settlement leg from none to requested.
	// The CAS guarantees the chained merchant payment fires at most once per
	// session even under concurrent duplicate success deliveries.
	MarkSettlementRequested(ctx context.Context, id uuid.UUID) (bool, error)
	AttachSettlementCheckoutRequestID(ctx context.Context, id uuid.UUID, checkoutRequestID string) error

	// MarkSettlementRecorded atomically transitions the settlement leg from
	// requested to recorded. A leg in any other state is left untouched and
	// reported via the bool.
	MarkSettlementRecorded(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkSettlementFailed atomically transitions the settlement leg from
	// requested to failed. A recorded leg is never downgraded; a replayed
	// failure callback must not reopen a settled leg for retry.
	MarkSettlementFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)

	// RecordEntitlement inserts the entitlement row if and only if no row with
	// the same receipt exists. Returns true when this call inserted the row.
	RecordEntitlement(ctx context.Context, e *domain.EntitlementRecord) (bool, error)

	// ExpirePendingVerificationsBefore fails every PENDING session created
	// before the cutoff, stamping resolvedAt and returning how many were
	// transitioned. Housekeeping only; runs off the hot path.
	ExpirePendingVerificationsBefore(ctx context.Context, cutoff time.Time, reason string, resolvedAt time.Time) (int64, error)
}

// MerchantDirectory is the read-only merchant lookup collaborator. The
// Postgres repository implements it alongside Repository; the orchestrator
// only depends on this narrow view.
type MerchantDirectory interface {
	FindMerchantByID(ctx context.Context, merchantID string) (*domain.Merchant, error)
}
