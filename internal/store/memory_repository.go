/**
 * @description
 * In-memory implementation of the Repository and MerchantDirectory interfaces.
 * Used by package tests and local development. It reproduces the Postgres
 * implementation's compare-and-set semantics under a mutex so concurrency
 * tests exercise the same winner-takes-one behavior the database enforces.
 *
 * @dependencies
 * - context, sync, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/konfirmpay/verification-service/internal/domain"
)

// MemoryRepository stores sessions, entitlements, and merchants in maps.
type MemoryRepository struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*domain.VerificationSession
	entitlements map[string]*domain.EntitlementRecord
	merchants    map[string]*domain.Merchant
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:     make(map[uuid.UUID]*domain.VerificationSession),
		entitlements: make(map[string]*domain.EntitlementRecord),
		merchants:    make(map[string]*domain.Merchant),
	}
}

// AddMerchant seeds a merchant record for tests and local development.
func (r *MemoryRepository) AddMerchant(m domain.Merchant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merchants[m.ID] = &m
}

func cloneSession(v *domain.VerificationSession) *domain.VerificationSession {
	clone := *v
	return &clone
}

func (r *MemoryRepository) CreateVerification(ctx context.Context, v *domain.VerificationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[v.ID] = cloneSession(v)
	return nil
}

func (r *MemoryRepository) AttachCheckoutRequestID(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return ErrVerificationNotFound
	}
	v.CheckoutRequestID = &checkoutRequestID
	v.MerchantRequestID = &merchantRequestID
	return nil
}

func (r *MemoryRepository) FindVerificationByID(ctx context.Context, id uuid.UUID) (*domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return nil, ErrVerificationNotFound
	}
	return cloneSession(v), nil
}

func (r *MemoryRepository) FindVerificationByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.sessions {
		if v.CheckoutRequestID != nil && *v.CheckoutRequestID == checkoutRequestID {
			return cloneSession(v), nil
		}
	}
	return nil, ErrVerificationNotFound
}

func (r *MemoryRepository) FindVerificationBySettlementCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.sessions {
		if v.SettlementCheckoutRequestID != nil && *v.SettlementCheckoutRequestID == checkoutRequestID {
			return cloneSession(v), nil
		}
	}
	return nil, ErrVerificationNotFound
}

func (r *MemoryRepository) MarkVerificationPaid(ctx context.Context, id uuid.UUID, receipt string, resolvedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return false, ErrVerificationNotFound
	}
	if v.Status != domain.StatusPending {
		return false, nil
	}
	for otherID, other := range r.sessions {
		if otherID != id && other.MpesaReceipt != nil && *other.MpesaReceipt == receipt {
			return false, ErrReceiptAlreadyUsed
		}
	}
	v.Status = domain.StatusPaid
	v.MpesaReceipt = &receipt
	t := resolvedAt
	v.ResolvedAt = &t
	return true, nil
}

func (r *MemoryRepository) MarkVerificationFailed(ctx context.Context, id uuid.UUID, reason string, resolvedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return false, ErrVerificationNotFound
	}
	if v.Status != domain.StatusPending {
		return false, nil
	}
	v.Status = domain.StatusFailed
	v.FailureReason = &reason
	t := resolvedAt
	v.ResolvedAt = &t
	return true, nil
}

func (r *MemoryRepository) MarkSettlementRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return false, ErrVerificationNotFound
	}
	if v.SettlementStatus != domain.SettlementNone {
		return false, nil
	}
	v.SettlementStatus = domain.SettlementRequested
	return true, nil
}

func (r *MemoryRepository) AttachSettlementCheckoutRequestID(ctx context.Context, id uuid.UUID, checkoutRequestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return ErrVerificationNotFound
	}
	v.SettlementCheckoutRequestID = &checkoutRequestID
	return nil
}

func (r *MemoryRepository) MarkSettlementRecorded(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return false, ErrVerificationNotFound
	}
	if v.SettlementStatus != domain.SettlementRequested {
		return false, nil
	}
	v.SettlementStatus = domain.SettlementRecorded
	return true, nil
}

func (r *MemoryRepository) MarkSettlementFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sessions[id]
	if !ok {
		return false, ErrVerificationNotFound
	}
	if v.SettlementStatus != domain.SettlementRequested {
		return false, nil
	}
	v.SettlementStatus = domain.SettlementFailed
	if v.FailureReason == nil {
		v.FailureReason = &reason
	}
	return true, nil
}

func (r *MemoryRepository) RecordEntitlement(ctx context.Context, e *domain.EntitlementRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entitlements[e.MpesaReceipt]; exists {
		return false, nil
	}
	record := *e
	r.entitlements[e.MpesaReceipt] = &record
	return true, nil
}

// AllSessions returns a snapshot of every stored session.
func (r *MemoryRepository) AllSessions() []*domain.VerificationSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.VerificationSession, 0, len(r.sessions))
	for _, v := range r.sessions {
		out = append(out, cloneSession(v))
	}
	return out
}

// Entitlement returns the stored entitlement for a receipt, or nil.
func (r *MemoryRepository) Entitlement(receipt string) *domain.EntitlementRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entitlements[receipt]
	if !ok {
		return nil
	}
	record := *e
	return &record
}

func (r *MemoryRepository) ExpirePendingVerificationsBefore(ctx context.Context, cutoff time.Time, reason string, resolvedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired int64
	for _, v := range r.sessions {
		if v.Status == domain.StatusPending && v.CreatedAt.Before(cutoff) {
			v.Status = domain.StatusFailed
			rsn := reason
			v.FailureReason = &rsn
			t := resolvedAt
			v.ResolvedAt = &t
			expired++
		}
	}
	return expired, nil
}

func (r *MemoryRepository) FindMerchantByID(ctx context.Context, merchantID string) (*domain.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.merchants[merchantID]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	merchant := *m
	return &merchant, nil
}
