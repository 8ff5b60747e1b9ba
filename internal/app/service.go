/**
 * @description
 * This file contains the core business logic for the verification-service.
 * The `Service` struct is the payment verification orchestrator: it creates
 * verification sessions, dispatches the fee collection request to the payment
 * gateway, and gates merchant disclosure behind a confirmed PAID state.
 *
 * Key features:
 * - StartVerification persists a PENDING session durably before the gateway
 *   is ever contacted, so no payment request can exist without a session to
 *   reconcile against.
 * - GetVerificationStatus is the disclosure gate: merchant details are only
 *   returned for a PAID session.
 * - Callback reconciliation lives in reconcile.go; both entry points meet in
 *   the session row, never in shared process state.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For session identifiers.
 * - internal/domain, internal/feepolicy, internal/store: Domain models, fee
 *   bands, and data access.
 * - pkg/rabbitmq: For publishing verification lifecycle events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/konfirmpay/verification-service/internal/domain"
	"github.com/konfirmpay/verification-service/internal/feepolicy"
	"github.com/konfirmpay/verification-service/internal/store"
	"github.com/konfirmpay/verification-service/pkg/rabbitmq"
)

var (
	ErrInvalidRequest = errors.New("invalid verification request")
	// ErrVerificationRequired is returned by the disclosure gate for any
	// session that has not reached PAID. Expected, not exceptional.
	ErrVerificationRequired = errors.New("verification required")
	ErrRateLimited          = errors.New("too many verification attempts")
)

// PaymentGateway is the outbound payment-request surface the orchestrator
// depends on. The Daraja client implements it; tests substitute stubs.
type PaymentGateway interface {
	// RequestPayment asks the gateway to collect req.Amount from the payer.
	// The returned CheckoutRequestID correlates the asynchronous outcome.
	RequestPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRequestResult, error)
	// RequestMerchantPayment pays req.Amount to the merchant collection
	// account named by req.DestinationShort (the chained settlement leg).
	RequestMerchantPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRequestResult, error)
}

// StartRateLimiter bounds how often a single payer can open verification
// sessions. A nil limiter disables the check.
type StartRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for payment verification.
type Service struct {
	repo      store.Repository
	merchants store.MerchantDirectory
	gateway   PaymentGateway
	events    rabbitmq.Publisher
	fees      *feepolicy.Policy

	stkTimeout        time.Duration
	settlementEnabled bool

	rateLimiter    StartRateLimiter
	startRateLimit int

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates a new verification service instance.
func NewService(
	repo store.Repository,
	merchants store.MerchantDirectory,
	gateway PaymentGateway,
	events rabbitmq.Publisher,
	fees *feepolicy.Policy,
	stkTimeout time.Duration,
	settlementEnabled bool,
) *Service {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	if stkTimeout <= 0 {
		stkTimeout = 20 * time.Second
	}
	return &Service{
		repo:              repo,
		merchants:         merchants,
		gateway:           gateway,
		events:            events,
		fees:              fees,
		stkTimeout:        stkTimeout,
		settlementEnabled: settlementEnabled,
		now:               time.Now,
	}
}

// SetStartRateLimiter enables distributed rate limiting on StartVerification,
// keyed by payer phone.
func (s *Service) SetStartRateLimiter(limiter StartRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.startRateLimit = perMinute
}

// StartVerificationResult is returned to the client immediately; the payment
// itself settles asynchronously through the callback endpoint.
type StartVerificationResult struct {
	SessionID       uuid.UUID `json:"session_id"`
	VerificationFee int64     `json:"verification_fee"`
	Message         string    `json:"message"`
}

// DisclosureResult is what the disclosure gate returns for a PAID session.
type DisclosureResult struct {
	Merchant domain.Merchant `json:"merchant"`
	Amount   int64           `json:"amount"`
}

// normalizePhone coerces Kenyan MSISDN spellings (07XX..., +2547XX..., 2547XX...)
// into the canonical 254XXXXXXXXX form the gateway expects.
func normalizePhone(raw string) (string, error) {
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	phone = strings.ReplaceAll(phone, " ", "")
	if phone == "" {
		return "", errors.New("phone is required")
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("phone %q contains non-digits", raw)
		}
	}
	if strings.HasPrefix(phone, "0") && len(phone) == 10 {
		phone = "254" + phone[1:]
	}
	if !strings.HasPrefix(phone, "254") || len(phone) != 12 {
		return "", fmt.Errorf("phone %q is not a valid MSISDN", raw)
	}
	return phone, nil
}

// StartVerification creates a PENDING session, computes the verification fee,
// and asks the gateway to collect it from the payer. The session id is handed
// to the gateway as the client reference so a callback can be reconciled even
// if the correlation token was never attached.
func (s *Service) StartVerification(ctx context.Context, merchantID, payerPhone string, amount int64) (*StartVerificationResult, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchant_id is required", ErrInvalidRequest)
	}
	phone, err := normalizePhone(payerPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	fee, err := s.fees.Fee(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if s.rateLimiter != nil && s.startRateLimit > 0 {
		count, _, limitErr := s.rateLimiter.ConsumeRateLimit(ctx, "verify_start", phone, s.startRateLimit, time.Minute)
		if limitErr != nil {
			// Fail open: a broken limiter must not block payments.
			log.Printf("level=warn component=orchestrator msg=\"rate limiter unavailable; allowing request\" err=%v", limitErr)
		} else if count > s.startRateLimit {
			return nil, ErrRateLimited
		}
	}

	// Resolve the merchant up front so we never push a payment prompt for a
	// merchant that does not exist.
	if _, err := s.merchants.FindMerchantByID(ctx, merchantID); err != nil {
		if errors.Is(err, store.ErrMerchantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("merchant lookup: %w", err)
	}

	session := &domain.VerificationSession{
		ID:               uuid.New(),
		MerchantID:       merchantID,
		PayerPhone:       phone,
		Amount:           amount,
		VerificationFee:  fee,
		Status:           domain.StatusPending,
		SettlementStatus: domain.SettlementNone,
		CreatedAt:        s.now().UTC(),
	}

	// The session must be durable before the gateway is contacted; an
	// unpersisted session would orphan the payment request.
	if err := s.repo.CreateVerification(ctx, session); err != nil {
		return nil, fmt.Errorf("persist verification: %w", err)
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, s.stkTimeout)
	defer cancel()

	result, err := s.gateway.RequestPayment(gatewayCtx, domain.PaymentRequest{
		PayerPhone:       phone,
		Amount:           fee,
		AccountReference: session.ID.String(),
		Description:      "KonfirmPay Verification Fee",
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The push may still have gone out; the payer-side flow can
			// resolve out of band, so the session stays PENDING for a late
			// callback or the expiry sweep.
			log.Printf("level=warn component=orchestrator msg=\"stk push timed out; session left pending\" session_id=%s", session.ID)
			return nil, fmt.Errorf("payment request timed out: %w", err)
		}
		now := s.now().UTC()
		if _, failErr := s.repo.MarkVerificationFailed(ctx, session.ID, err.Error(), now); failErr != nil {
			log.Printf("level=error component=orchestrator msg=\"failed to mark session failed after gateway error\" session_id=%s err=%v", session.ID, failErr)
		}
		s.publishEvent(rabbitmq.RoutingVerificationFailed, domain.VerificationEvent{
			VerificationID: session.ID,
			MerchantID:     session.MerchantID,
			Status:         domain.StatusFailed,
			Amount:         session.Amount,
			Reason:         err.Error(),
			Timestamp:      now,
		})
		return nil, fmt.Errorf("payment request: %w", err)
	}

	// Best-effort second write. Reconciliation falls back to the echoed
	// client reference if this never lands.
	if err := s.repo.AttachCheckoutRequestID(ctx, session.ID, result.CheckoutRequestID, result.MerchantRequestID); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"could not attach checkout request id\" session_id=%s checkout_request_id=%s err=%v",
			session.ID, result.CheckoutRequestID, err)
	}

	return &StartVerificationResult{
		SessionID:       session.ID,
		VerificationFee: fee,
		Message:         fmt.Sprintf("Verification fee KES %d required", fee),
	}, nil
}

// GetVerificationStatus is the disclosure gate. Merchant details are returned
// only once the session is PAID; anything else is ErrVerificationRequired.
func (s *Service) GetVerificationStatus(ctx context.Context, sessionID uuid.UUID) (*DisclosureResult, error) {
	session, err := s.repo.FindVerificationByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusPaid {
		return nil, ErrVerificationRequired
	}

	merchant, err := s.merchants.FindMerchantByID(ctx, session.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("merchant lookup: %w", err)
	}

	return &DisclosureResult{
		Merchant: *merchant,
		Amount:   session.Amount,
	}, nil
}

// ExpireStalePending fails every PENDING session older than the given window.
// Invoked by the housekeeping scheduler, never by the request path.
func (s *Service) ExpireStalePending(ctx context.Context, window time.Duration) (int64, error) {
	now := s.now().UTC()
	expired, err := s.repo.ExpirePendingVerificationsBefore(ctx, now.Add(-window), "verification window expired", now)
	if err != nil {
		return 0, fmt.Errorf("expire pending verifications: %w", err)
	}
	return expired, nil
}

// publishEvent emits a lifecycle event. Publishing is best-effort; a broker
// outage never affects session state.
func (s *Service) publishEvent(routingKey string, event domain.VerificationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, rabbitmq.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"event publish failed\" routing_key=%s verification_id=%s err=%v",
			routingKey, event.VerificationID, err)
	}
}
