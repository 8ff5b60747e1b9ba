/**
 * @description
 * This file defines the core domain models for the verification-service: the
 * verification session, the merchant record it protects, and the entitlement
 * row that makes merchant crediting idempotent.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For session identifiers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Verification session statuses. PENDING is the only non-terminal state;
// a session never leaves PAID or FAILED once it gets there.
const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
)

// Settlement leg statuses for the chained merchant payment.
const (
	SettlementNone      = "none"
	SettlementRequested = "requested"
	SettlementRecorded  = "recorded"
	SettlementFailed    = "failed"
)

// VerificationSession represents one attempt to verify a payer before the
// merchant's details are disclosed. It is created by StartVerification and
// mutated only by callback reconciliation and the expiry sweep.
type VerificationSession struct {
	ID              uuid.UUID `json:"id"`
	MerchantID      string    `json:"merchant_id"`
	PayerPhone      string    `json:"payer_phone"`
	Amount          int64     `json:"amount"`
	VerificationFee int64     `json:"verification_fee"`
	Status          string    `json:"status"`

	// CheckoutRequestID is the gateway-assigned correlation token for the
	// verification fee STK push. Unknown for a short window between session
	// creation and the gateway responding, hence nullable.
	CheckoutRequestID *string `json:"checkout_request_id,omitempty"`
	MerchantRequestID *string `json:"merchant_request_id,omitempty"`

	// MpesaReceipt is set exactly when Status is PAID and is unique across
	// all sessions.
	MpesaReceipt  *string `json:"mpesa_receipt,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`

	// Settlement leg (chained merchant payment). The settlement checkout id
	// joins the second gateway callback back to this session.
	SettlementStatus            string  `json:"settlement_status"`
	SettlementCheckoutRequestID *string `json:"settlement_checkout_request_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Terminal reports whether the session has reached PAID or FAILED.
func (v *VerificationSession) Terminal() bool {
	return v.Status == StatusPaid || v.Status == StatusFailed
}

// Merchant is the public-facing merchant record resolved from the merchant
// directory. The verification-service never mutates merchants.
type Merchant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Paybill string `json:"paybill"`
}

// EntitlementRecord proves a merchant is owed funds for one settled receipt.
// Keyed by the receipt so a replayed gateway confirmation can never credit a
// merchant twice.
type EntitlementRecord struct {
	MpesaReceipt   string    `json:"mpesa_receipt"`
	MerchantID     string    `json:"merchant_id"`
	Amount         int64     `json:"amount"`
	VerificationID uuid.UUID `json:"verification_id"`
	CreatedAt      time.Time `json:"created_at"`
}
