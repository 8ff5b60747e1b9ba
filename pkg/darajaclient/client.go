/**
 * @description
 * This package provides a client for the Safaricom Daraja (M-Pesa) API. It
 * encapsulates OAuth token acquisition, STK Push collection requests for the
 * verification fee leg, and B2B payments for the chained merchant settlement
 * leg.
 *
 * The short-lived OAuth token is cached with its expiry and refreshed under a
 * mutex, so concurrent payment requests never race to re-authenticate.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, sync, time: Standard Go libraries.
 */
package darajaclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrGatewayUnavailable marks transport-level failures reaching Daraja, as
// opposed to an explicit rejection carried in an ErrorResponse.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Config carries the Daraja credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	// InitiatorName and SecurityCredential authorize B2B settlement payments.
	InitiatorName      string
	SecurityCredential string
}

// Client is a client for the Daraja API.
type Client struct {
	cfg        Config
	HTTPClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewClient creates a new Daraja API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// ErrorResponse represents an explicit rejection from the Daraja API.
type ErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorCode != "" || e.ErrorMessage != "" {
		return fmt.Sprintf("daraja api error: %s - %s", e.ErrorCode, e.ErrorMessage)
	}
	return "unknown daraja api error"
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// STKPushResponse is the synchronous acknowledgment for an STK Push request.
// CheckoutRequestID is the correlation token echoed in the asynchronous callback.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// B2BResponse is the synchronous acknowledgment for a B2B payment request.
type B2BResponse struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// token returns a valid cached access token or fetches a fresh one. The
// mutex doubles as the single-flight guard: one refresh at a time, and callers
// arriving during a refresh reuse its result.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=daraja_client op=token status=%d msg=\"token request rejected\"", resp.StatusCode)
		return "", fmt.Errorf("token request rejected (status %d)", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(bodyBytes, &tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	ttl := 3600
	if parsed, err := strconv.Atoi(tok.ExpiresIn); err == nil && parsed > 0 {
		ttl = parsed
	}
	c.accessToken = tok.AccessToken
	// Refresh one minute early so in-flight requests never carry a token that
	// expires mid-call.
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)

	return c.accessToken, nil
}

// stkPushRequest is the Daraja process-request payload.
type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type b2bRequest struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	SenderIdentifierType   string `json:"SenderIdentifierType"`
	RecieverIdentifierType string `json:"RecieverIdentifierType"`
	Amount                 int64  `json:"Amount"`
	PartyA                 string `json:"PartyA"`
	PartyB                 string `json:"PartyB"`
	AccountReference       string `json:"AccountReference"`
	Remarks                string `json:"Remarks"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	ResultURL              string `json:"ResultURL"`
}

// STKPush requests collection of amount from the payer's phone. The gateway's
// eventual outcome arrives on the configured callback URL, correlated by the
// returned CheckoutRequestID and the echoed accountRef.
func (c *Client) STKPush(ctx context.Context, phone string, amount int64, accountRef, description string) (*STKPushResponse, error) {
	timestamp := c.now().UTC().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))

	payload := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   description,
	}

	var result STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", "stk_push", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// B2BPayment pays a merchant's paybill from the service shortcode. Used for
// the chained settlement leg once a verification is PAID.
func (c *Client) B2BPayment(ctx context.Context, paybill string, amount int64, accountRef, remarks string) (*B2BResponse, error) {
	payload := b2bRequest{
		Initiator:              c.cfg.InitiatorName,
		SecurityCredential:     c.cfg.SecurityCredential,
		CommandID:              "BusinessPayBill",
		SenderIdentifierType:   "4",
		RecieverIdentifierType: "4",
		Amount:                 amount,
		PartyA:                 c.cfg.ShortCode,
		PartyB:                 paybill,
		AccountReference:       accountRef,
		Remarks:                remarks,
		QueueTimeOutURL:        c.cfg.CallbackURL,
		ResultURL:              c.cfg.CallbackURL,
	}

	var result B2BResponse
	if err := c.post(ctx, "/mpesa/b2b/v1/paymentrequest", "b2b_payment", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// post executes an authenticated JSON request against the Daraja API.
func (c *Client) post(ctx context.Context, path, op string, payload, result interface{}) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=daraja_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=daraja_client op=%s status=%d code=%q msg=%q", op, resp.StatusCode, errResp.ErrorCode, errResp.ErrorMessage)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, result); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
