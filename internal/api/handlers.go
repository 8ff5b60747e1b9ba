/**
 * @description
 * This file contains the HTTP handlers for the verification-service's API
 * endpoints. Handlers parse incoming requests, call the orchestrator, and map
 * its error taxonomy onto HTTP status codes. They act as the bridge between
 * the web layer and the business logic layer.
 *
 * The callback handler is deliberately lenient: the gateway retries anything
 * that is not acknowledged, so every processable delivery is answered with a
 * success ack regardless of how reconciliation went. Only a body that cannot
 * be parsed at all is rejected.
 *
 * @dependencies
 * - encoding/json, errors, io, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/google/uuid: Session id parsing.
 * - internal/app, internal/domain, internal/store: Service logic, models, and
 *   custom errors.
 * - pkg/darajaclient: Gateway error types.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/konfirmpay/verification-service/internal/app"
	"github.com/konfirmpay/verification-service/internal/domain"
	"github.com/konfirmpay/verification-service/internal/store"
	"github.com/konfirmpay/verification-service/pkg/darajaclient"
)

// maxCallbackBodyBytes bounds gateway callback bodies; real Daraja callbacks
// are well under a kilobyte.
const maxCallbackBodyBytes = 64 * 1024

// VerificationHandlers holds the application service that handlers will use.
type VerificationHandlers struct {
	service *app.Service
}

// NewVerificationHandlers creates a new instance of VerificationHandlers.
func NewVerificationHandlers(service *app.Service) *VerificationHandlers {
	return &VerificationHandlers{service: service}
}

type startVerificationRequest struct {
	MerchantID string `json:"merchant_id"`
	PayerPhone string `json:"payer_phone"`
	Amount     int64  `json:"amount"`
}

// StartVerificationHandler handles POST /verify/start.
func (h *VerificationHandlers) StartVerificationHandler(w http.ResponseWriter, r *http.Request) {
	var req startVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.StartVerification(r.Context(), req.MerchantID, req.PayerPhone, req.Amount)
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *VerificationHandlers) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrMerchantNotFound):
		h.writeError(w, http.StatusNotFound, "Merchant not found")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many verification attempts. Please wait and try again.")
	case errors.Is(err, darajaclient.ErrGatewayUnavailable):
		h.writeError(w, http.StatusBadGateway, "Payment gateway is unavailable. Please try again shortly.")
	case errors.Is(err, context.DeadlineExceeded):
		// The push may still reach the payer; the session is left open for a
		// late callback.
		h.writeError(w, http.StatusGatewayTimeout, "Payment gateway timed out. Check your phone or try again shortly.")
	default:
		var gatewayErr *darajaclient.ErrorResponse
		if errors.As(err, &gatewayErr) {
			log.Printf("level=warn component=api msg=\"gateway rejected payment request\" code=%s err=%q", gatewayErr.ErrorCode, gatewayErr.ErrorMessage)
			h.writeError(w, http.StatusBadGateway, "Payment gateway rejected the request")
			return
		}
		log.Printf("level=error component=api msg=\"start verification failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Could not start verification")
	}
}

// VerificationStatusHandler handles GET /verify/{sessionID}/status. This is
// the disclosure gate: merchant details only come back for a PAID session.
func (h *VerificationHandlers) VerificationStatusHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid session id")
		return
	}

	result, err := h.service.GetVerificationStatus(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrVerificationNotFound):
			h.writeError(w, http.StatusNotFound, "Verification session not found")
		case errors.Is(err, app.ErrVerificationRequired):
			h.writeError(w, http.StatusForbidden, "Verification required")
		default:
			log.Printf("level=error component=api msg=\"status lookup failed\" session_id=%s err=%v", sessionID, err)
			h.writeError(w, http.StatusInternalServerError, "Could not fetch verification status")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// MpesaCallbackHandler handles POST /mpesa/callback from the payment gateway.
func (h *VerificationHandlers) MpesaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read callback body")
		return
	}

	if err := h.service.ReconcileCallback(r.Context(), body); err != nil {
		if errors.Is(err, app.ErrUnparseableCallback) {
			h.writeError(w, http.StatusBadRequest, "Unparseable callback body")
			return
		}
		// Reconciliation absorbs its own failures; anything else surfacing
		// here is still acked so the gateway does not retry indefinitely.
		log.Printf("level=error component=api msg=\"callback reconciliation errored\" err=%v", err)
	}

	h.writeJSON(w, http.StatusOK, domain.CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

func (h *VerificationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *VerificationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
