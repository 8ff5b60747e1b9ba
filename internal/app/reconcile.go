/**
 * @description
 * This file contains the callback reconciliation path of the verification
 * orchestrator. The payment gateway reports payment outcomes asynchronously
 * by POSTing an STK callback; this code matches each callback to a session,
 * applies the terminal transition exactly once, and chains the merchant
 * settlement leg when enabled.
 *
 * Reconciliation is idempotent by construction: every transition is a
 * conditional update in the store, duplicate receipts are rejected by a
 * uniqueness guarantee, and every non-parse failure is absorbed so the
 * gateway always receives a success acknowledgement and never retries into
 * a double-processing loop.
 *
 * @dependencies
 * - context, encoding/json, errors, log, strings: Standard Go libraries.
 * - github.com/google/uuid: For parsing session ids out of client references.
 * - internal/domain, internal/store: Callback shapes and session persistence.
 * - pkg/rabbitmq: Lifecycle event publishing.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/konfirmpay/verification-service/internal/domain"
	"github.com/konfirmpay/verification-service/internal/store"
	"github.com/konfirmpay/verification-service/pkg/rabbitmq"
)

// ErrUnparseableCallback is the only reconciliation outcome the HTTP layer
// turns into a non-success response. Everything else is acknowledged.
var ErrUnparseableCallback = errors.New("unparseable gateway callback")

// settlementReferencePrefix marks the client reference of a chained merchant
// settlement leg so its callbacks are never mistaken for fee callbacks.
const settlementReferencePrefix = "STL-"

type callbackLeg int

const (
	legVerification callbackLeg = iota
	legSettlement
)

// ReconcileCallback processes one raw gateway callback body. It returns
// ErrUnparseableCallback for bodies that are not valid JSON; every other
// outcome, including unmatched and duplicate callbacks, returns nil so the
// caller acks the delivery.
func (s *Service) ReconcileCallback(ctx context.Context, payload []byte) error {
	var envelope domain.STKCallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ErrUnparseableCallback
	}
	cb := envelope.Body.STKCallback
	if cb == nil {
		log.Printf("level=warn component=reconciler msg=\"callback without stkCallback body; ignoring\"")
		return nil
	}

	session, leg := s.matchSession(ctx, cb)
	if session == nil {
		// An unmatched callback is an anomaly worth operator attention, but
		// it must still be acked or the gateway will retry it forever.
		log.Printf("level=warn component=reconciler msg=\"callback matched no session\" checkout_request_id=%s account_reference=%q result_code=%d",
			cb.CheckoutRequestID, cb.AccountReference(), cb.ResultCode)
		return nil
	}

	if leg == legSettlement {
		s.reconcileSettlement(ctx, session, cb)
		return nil
	}
	s.reconcileVerification(ctx, session, cb)
	return nil
}

// matchSession resolves a callback to its session. The gateway correlation
// token is canonical; the echoed client reference is the fallback for the
// race where the token was never attached.
func (s *Service) matchSession(ctx context.Context, cb *domain.STKCallback) (*domain.VerificationSession, callbackLeg) {
	if cb.CheckoutRequestID != "" {
		if session, err := s.repo.FindVerificationByCheckoutRequestID(ctx, cb.CheckoutRequestID); err == nil {
			return session, legVerification
		} else if !errors.Is(err, store.ErrVerificationNotFound) {
			log.Printf("level=error component=reconciler msg=\"lookup by checkout request id failed\" checkout_request_id=%s err=%v", cb.CheckoutRequestID, err)
		}
		if session, err := s.repo.FindVerificationBySettlementCheckoutRequestID(ctx, cb.CheckoutRequestID); err == nil {
			return session, legSettlement
		} else if !errors.Is(err, store.ErrVerificationNotFound) {
			log.Printf("level=error component=reconciler msg=\"lookup by settlement checkout request id failed\" checkout_request_id=%s err=%v", cb.CheckoutRequestID, err)
		}
	}

	reference := cb.AccountReference()
	if reference == "" {
		return nil, legVerification
	}
	leg := legVerification
	if strings.HasPrefix(reference, settlementReferencePrefix) {
		leg = legSettlement
		reference = strings.TrimPrefix(reference, settlementReferencePrefix)
	}
	sessionID, err := uuid.Parse(reference)
	if err != nil {
		return nil, legVerification
	}
	session, err := s.repo.FindVerificationByID(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrVerificationNotFound) {
			log.Printf("level=error component=reconciler msg=\"lookup by client reference failed\" session_id=%s err=%v", sessionID, err)
		}
		return nil, legVerification
	}
	return session, leg
}

// reconcileVerification applies a fee-leg callback to its session.
func (s *Service) reconcileVerification(ctx context.Context, session *domain.VerificationSession, cb *domain.STKCallback) {
	now := s.now().UTC()

	if cb.ResultCode != 0 {
		won, err := s.repo.MarkVerificationFailed(ctx, session.ID, cb.ResultDesc, now)
		if err != nil {
			log.Printf("level=error component=reconciler msg=\"failed transition errored\" session_id=%s err=%v", session.ID, err)
			return
		}
		if !won {
			log.Printf("level=info component=reconciler msg=\"duplicate failure callback for terminal session\" session_id=%s", session.ID)
			return
		}
		log.Printf("level=info component=reconciler msg=\"verification failed\" session_id=%s result_code=%d reason=%q", session.ID, cb.ResultCode, cb.ResultDesc)
		s.publishEvent(rabbitmq.RoutingVerificationFailed, domain.VerificationEvent{
			VerificationID: session.ID,
			MerchantID:     session.MerchantID,
			Status:         domain.StatusFailed,
			Amount:         session.Amount,
			Reason:         cb.ResultDesc,
			Timestamp:      now,
		})
		return
	}

	receipt := cb.Receipt()
	if receipt == "" {
		// Success code without a receipt is an interim notification; a later
		// delivery carries the final state.
		log.Printf("level=info component=reconciler msg=\"interim success callback without receipt; no-op\" session_id=%s", session.ID)
		return
	}

	if amount := cb.MetadataAmount(); amount != 0 && amount != session.VerificationFee {
		// The receipt still wins the transition; a mismatch here means the
		// gateway charged something other than the quoted fee and needs a
		// human to look at it.
		log.Printf("level=warn component=reconciler msg=\"callback amount differs from quoted fee\" session_id=%s callback_amount=%d fee=%d",
			session.ID, amount, session.VerificationFee)
	}

	won, err := s.repo.MarkVerificationPaid(ctx, session.ID, receipt, now)
	if err != nil {
		if errors.Is(err, store.ErrReceiptAlreadyUsed) {
			log.Printf("level=warn component=reconciler msg=\"receipt already recorded against another session\" session_id=%s receipt=%s", session.ID, receipt)
			return
		}
		log.Printf("level=error component=reconciler msg=\"paid transition errored\" session_id=%s err=%v", session.ID, err)
		return
	}
	if !won {
		log.Printf("level=info component=reconciler msg=\"duplicate success callback for terminal session\" session_id=%s receipt=%s", session.ID, receipt)
		return
	}

	log.Printf("level=info component=reconciler msg=\"verification paid\" session_id=%s merchant_id=%s receipt=%s", session.ID, session.MerchantID, receipt)
	s.publishEvent(rabbitmq.RoutingVerificationPaid, domain.VerificationEvent{
		VerificationID: session.ID,
		MerchantID:     session.MerchantID,
		Status:         domain.StatusPaid,
		Amount:         session.Amount,
		MpesaReceipt:   receipt,
		Timestamp:      now,
	})

	if s.settlementEnabled {
		s.triggerSettlement(ctx, session)
	}
}

// triggerSettlement fires the chained merchant payment for a freshly paid
// session. The none -> requested CAS makes the trigger at-most-once even when
// several instances win disjoint duplicate callbacks in quick succession.
func (s *Service) triggerSettlement(ctx context.Context, session *domain.VerificationSession) {
	won, err := s.repo.MarkSettlementRequested(ctx, session.ID)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"settlement request transition errored\" session_id=%s err=%v", session.ID, err)
		return
	}
	if !won {
		return
	}

	merchant, err := s.merchants.FindMerchantByID(ctx, session.MerchantID)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"settlement merchant lookup failed\" session_id=%s merchant_id=%s err=%v", session.ID, session.MerchantID, err)
		s.markSettlementFailed(ctx, session.ID, "merchant lookup failed")
		return
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, s.stkTimeout)
	defer cancel()

	result, err := s.gateway.RequestMerchantPayment(gatewayCtx, domain.PaymentRequest{
		PayerPhone:       session.PayerPhone,
		DestinationShort: merchant.Paybill,
		Amount:           session.Amount,
		AccountReference: settlementReferencePrefix + session.ID.String(),
		Description:      "KonfirmPay Settlement",
	})
	if err != nil {
		// A settlement failure never touches the PAID verification state; it
		// is recorded on the settlement leg for separate retry.
		log.Printf("level=error component=reconciler msg=\"settlement payment request failed\" session_id=%s err=%v", session.ID, err)
		s.markSettlementFailed(ctx, session.ID, err.Error())
		return
	}

	if err := s.repo.AttachSettlementCheckoutRequestID(ctx, session.ID, result.CheckoutRequestID); err != nil {
		log.Printf("level=warn component=reconciler msg=\"could not attach settlement checkout request id\" session_id=%s checkout_request_id=%s err=%v",
			session.ID, result.CheckoutRequestID, err)
	}
	log.Printf("level=info component=reconciler msg=\"settlement requested\" session_id=%s merchant_id=%s paybill=%s amount=%d",
		session.ID, session.MerchantID, merchant.Paybill, session.Amount)
}

// reconcileSettlement applies a settlement-leg callback. The entitlement row
// is the dedup anchor: it is inserted if-absent keyed by receipt, so a
// replayed settlement callback can never double-record.
func (s *Service) reconcileSettlement(ctx context.Context, session *domain.VerificationSession, cb *domain.STKCallback) {
	now := s.now().UTC()

	if cb.ResultCode != 0 {
		log.Printf("level=warn component=reconciler msg=\"settlement failed\" session_id=%s result_code=%d reason=%q", session.ID, cb.ResultCode, cb.ResultDesc)
		s.markSettlementFailed(ctx, session.ID, cb.ResultDesc)
		return
	}

	receipt := cb.Receipt()
	if receipt == "" {
		log.Printf("level=info component=reconciler msg=\"interim settlement callback without receipt; no-op\" session_id=%s", session.ID)
		return
	}

	inserted, err := s.repo.RecordEntitlement(ctx, &domain.EntitlementRecord{
		MpesaReceipt:   receipt,
		MerchantID:     session.MerchantID,
		Amount:         session.Amount,
		VerificationID: session.ID,
		CreatedAt:      now,
	})
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"entitlement insert errored\" session_id=%s receipt=%s err=%v", session.ID, receipt, err)
		return
	}
	if !inserted {
		log.Printf("level=info component=reconciler msg=\"duplicate settlement callback; entitlement already recorded\" session_id=%s receipt=%s", session.ID, receipt)
		return
	}

	won, err := s.repo.MarkSettlementRecorded(ctx, session.ID)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"settlement recorded transition errored\" session_id=%s err=%v", session.ID, err)
	} else if !won {
		log.Printf("level=warn component=reconciler msg=\"settlement outcome for a leg not in requested state\" session_id=%s", session.ID)
	}
	log.Printf("level=info component=reconciler msg=\"settlement recorded\" session_id=%s merchant_id=%s receipt=%s", session.ID, session.MerchantID, receipt)
	s.publishEvent(rabbitmq.RoutingSettlementRecorded, domain.VerificationEvent{
		VerificationID: session.ID,
		MerchantID:     session.MerchantID,
		Status:         domain.StatusPaid,
		Amount:         session.Amount,
		MpesaReceipt:   receipt,
		Timestamp:      now,
	})
}

func (s *Service) markSettlementFailed(ctx context.Context, id uuid.UUID, reason string) {
	won, err := s.repo.MarkSettlementFailed(ctx, id, reason)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"settlement failed transition errored\" session_id=%s err=%v", id, err)
		return
	}
	if !won {
		log.Printf("level=info component=reconciler msg=\"settlement failure ignored; leg already resolved\" session_id=%s", id)
	}
}
