package darajaclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/mpesa/callback",
	}
}

func tokenHandler(tokenCalls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("key:secret"))
		if r.Header.Get("Authorization") != expected {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok_1","expires_in":"3599"}`))
	}
}

func TestSTKPush_SendsExpectedPayload(t *testing.T) {
	var tokenCalls int32
	var captured stkPushRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			tokenHandler(&tokenCalls)(w, r)
		case "/mpesa/stkpush/v1/processrequest":
			if r.Header.Get("Authorization") != "Bearer tok_1" {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"MerchantRequestID":"mr_1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","CustomerMessage":"Success"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := NewClient(testConfig(ts.URL))
	resp, err := client.STKPush(context.Background(), "254712345678", 15, "sess-1", "Verification Fee")
	if err != nil {
		t.Fatalf("STKPush error: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected checkout request id: %s", resp.CheckoutRequestID)
	}

	if captured.TransactionType != "CustomerPayBillOnline" {
		t.Fatalf("unexpected transaction type: %s", captured.TransactionType)
	}
	if captured.Amount != 15 {
		t.Fatalf("unexpected amount: %d", captured.Amount)
	}
	if captured.AccountReference != "sess-1" {
		t.Fatalf("unexpected account reference: %s", captured.AccountReference)
	}
	if captured.PartyA != "254712345678" || captured.PhoneNumber != "254712345678" {
		t.Fatalf("unexpected payer fields: %s / %s", captured.PartyA, captured.PhoneNumber)
	}
	if captured.PartyB != "174379" || captured.BusinessShortCode != "174379" {
		t.Fatalf("unexpected shortcode fields: %s / %s", captured.PartyB, captured.BusinessShortCode)
	}
	if len(captured.Timestamp) != 14 {
		t.Fatalf("timestamp should be 14 digits, got %q", captured.Timestamp)
	}

	wantPassword := base64.StdEncoding.EncodeToString([]byte("174379" + "passkey" + captured.Timestamp))
	if captured.Password != wantPassword {
		t.Fatalf("password mismatch: got %q want %q", captured.Password, wantPassword)
	}
}

func TestToken_CachedUntilExpiry(t *testing.T) {
	var tokenCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			tokenHandler(&tokenCalls)(w, r)
		case "/mpesa/stkpush/v1/processrequest":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"CheckoutRequestID":"ws_CO_1","ResponseCode":"0"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := NewClient(testConfig(ts.URL))
	current := time.Now()
	client.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		if _, err := client.STKPush(context.Background(), "254712345678", 1, "sess", "fee"); err != nil {
			t.Fatalf("STKPush error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("expected 1 token fetch while cached, got %d", got)
	}

	// Advance past expiry; next call must re-authenticate once.
	current = current.Add(time.Hour)
	if _, err := client.STKPush(context.Background(), "254712345678", 1, "sess", "fee"); err != nil {
		t.Fatalf("STKPush error: %v", err)
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 2 {
		t.Fatalf("expected token refresh after expiry, got %d fetches", got)
	}
}

func TestToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	var tokenCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			time.Sleep(20 * time.Millisecond)
			tokenHandler(&tokenCalls)(w, r)
		case "/mpesa/stkpush/v1/processrequest":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"CheckoutRequestID":"ws_CO_1","ResponseCode":"0"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := NewClient(testConfig(ts.URL))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.STKPush(context.Background(), "254712345678", 1, "sess", "fee"); err != nil {
				t.Errorf("STKPush error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("expected a single token fetch under concurrency, got %d", got)
	}
}

func TestSTKPush_GatewayRejection(t *testing.T) {
	var tokenCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			tokenHandler(&tokenCalls)(w, r)
		case "/mpesa/stkpush/v1/processrequest":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"requestId":"req_1","errorCode":"500.001.1001","errorMessage":"Invalid Amount"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := NewClient(testConfig(ts.URL))
	_, err := client.STKPush(context.Background(), "254712345678", 0, "sess", "fee")
	var rejection *ErrorResponse
	if !errors.As(err, &rejection) {
		t.Fatalf("expected *ErrorResponse, got %v", err)
	}
	if rejection.ErrorCode != "500.001.1001" {
		t.Fatalf("unexpected error code: %s", rejection.ErrorCode)
	}
}

func TestSTKPush_TransportFailureIsGatewayUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	ts.Close() // refuse connections

	client := NewClient(testConfig(ts.URL))
	_, err := client.STKPush(context.Background(), "254712345678", 1, "sess", "fee")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}
