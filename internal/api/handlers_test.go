package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/konfirmpay/verification-service/internal/app"
	"github.com/konfirmpay/verification-service/internal/domain"
	"github.com/konfirmpay/verification-service/internal/feepolicy"
	"github.com/konfirmpay/verification-service/internal/store"
)

type acceptAllGateway struct{}

func (acceptAllGateway) RequestPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRequestResult, error) {
	return &domain.PaymentRequestResult{
		MerchantRequestID: "mr-1",
		CheckoutRequestID: "ws_CO_" + req.AccountReference,
		ResponseCode:      "0",
	}, nil
}

func (acceptAllGateway) RequestMerchantPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRequestResult, error) {
	return &domain.PaymentRequestResult{CheckoutRequestID: "AG_" + req.AccountReference}, nil
}

func newTestRouter(t *testing.T, callbackCIDRs []string) (http.Handler, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	repo.AddMerchant(domain.Merchant{ID: "M1", Name: "Mama Mboga Wholesale", Paybill: "888999"})
	service := app.NewService(repo, repo, acceptAllGateway{}, nil, feepolicy.Default(), 5*time.Second, false)
	return VerificationRoutes(NewVerificationHandlers(service), callbackCIDRs, nil), repo
}

func TestStartVerificationHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	body := `{"merchant_id":"M1","payer_phone":"0712345678","amount":20000}`
	req := httptest.NewRequest(http.MethodPost, "/verify/start", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp app.StartVerificationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response decode failed: %v", err)
	}
	if resp.VerificationFee != 15 {
		t.Fatalf("expected fee 15, got %d", resp.VerificationFee)
	}
	if resp.SessionID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("expected a session id in the response")
	}
}

func TestStartVerificationHandler_Errors(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"merchant_id":`, http.StatusBadRequest},
		{"bad phone", `{"merchant_id":"M1","payer_phone":"12","amount":1000}`, http.StatusBadRequest},
		{"zero amount", `{"merchant_id":"M1","payer_phone":"0712345678","amount":0}`, http.StatusBadRequest},
		{"unknown merchant", `{"merchant_id":"M404","payer_phone":"0712345678","amount":1000}`, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/verify/start", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestVerificationStatusHandler_Gate(t *testing.T) {
	router, repo := newTestRouter(t, nil)

	startBody := `{"merchant_id":"M1","payer_phone":"0712345678","amount":20000}`
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, httptest.NewRequest(http.MethodPost, "/verify/start", strings.NewReader(startBody)))
	var started app.StartVerificationResult
	if err := json.Unmarshal(startRec.Body.Bytes(), &started); err != nil {
		t.Fatalf("start decode failed: %v", err)
	}

	statusURL := "/verify/" + started.SessionID.String() + "/status"

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statusURL, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before payment, got %d", rec.Code)
	}

	if _, err := repo.MarkVerificationPaid(context.Background(), started.SessionID, "RCPT1", time.Now()); err != nil {
		t.Fatalf("mark paid errored: %v", err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statusURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after payment, got %d: %s", rec.Code, rec.Body.String())
	}
	var disclosure app.DisclosureResult
	if err := json.Unmarshal(rec.Body.Bytes(), &disclosure); err != nil {
		t.Fatalf("disclosure decode failed: %v", err)
	}
	if disclosure.Merchant.Paybill != "888999" {
		t.Fatalf("expected merchant paybill disclosed, got %+v", disclosure.Merchant)
	}
}

func TestVerificationStatusHandler_NotFoundAndBadID(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify/not-a-uuid/status", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify/7b1f94a1-33aa-47f8-9be5-1f0f3f6392e1/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestMpesaCallbackHandler_AlwaysAcks(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	// Even a callback that matches no session is acknowledged so the gateway
	// stops retrying it.
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_unknown","ResultCode":0,"ResultDesc":"ok"}}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mpesa/callback", bytes.NewReader([]byte(body))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", rec.Code)
	}

	var ack domain.CallbackAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("ack decode failed: %v", err)
	}
	if ack.ResultCode != 0 {
		t.Fatalf("expected ResultCode 0, got %d", ack.ResultCode)
	}
}

func TestMpesaCallbackHandler_UnparseableBody(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unparseable body, got %d", rec.Code)
	}
}

func TestMpesaCallbackHandler_SourceAllowlist(t *testing.T) {
	router, _ := newTestRouter(t, []string{"196.201.214.0/24"})

	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_x","ResultCode":0,"ResultDesc":"ok"}}}`

	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(body))
	req.RemoteAddr = "10.1.2.3:44321"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 from unlisted source, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(body))
	req.RemoteAddr = "196.201.214.200:44321"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from allowlisted source, got %d", rec.Code)
	}

	// The allowlist fences the callback route only.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.1.2.3:44321"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health check unaffected by allowlist, got %d", rec.Code)
	}
}
