/**
 * @description
 * This file models the Daraja STK Push callback envelope and the events this
 * service publishes to RabbitMQ after reconciling a callback.
 *
 * The callback is a nested success/failure envelope: Body.stkCallback carries
 * the gateway correlation token (CheckoutRequestID), a result code, and on
 * success a flat list of named metadata items including the M-Pesa receipt.
 *
 * @dependencies
 * - encoding/json, time: Standard Go libraries.
 * - github.com/google/uuid: For event payload identifiers.
 */

package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// STKCallbackEnvelope is the outer shape Daraja posts to the callback URL.
type STKCallbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback is the inner callback record.
type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []CallbackMetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// CallbackMetadataItem is one named value in the success metadata list.
// Value is left as raw JSON because Daraja mixes strings and numbers.
type CallbackMetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// MetadataString returns the named metadata item as a string, tolerating both
// string and numeric encodings. Empty string when absent.
func (c *STKCallback) MetadataString(name string) string {
	for _, item := range c.CallbackMetadata.Item {
		if !strings.EqualFold(item.Name, name) {
			continue
		}
		var s string
		if err := json.Unmarshal(item.Value, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(item.Value, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// MetadataAmount returns the Amount metadata item, 0 when absent.
func (c *STKCallback) MetadataAmount() int64 {
	raw := c.MetadataString("Amount")
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// Receipt returns the settlement receipt attached to a success callback, or
// empty when the gateway has not settled yet (interim notification).
func (c *STKCallback) Receipt() string {
	return c.MetadataString("MpesaReceiptNumber")
}

// AccountReference returns the echoed client-supplied reference when the
// gateway includes it. This is the fallback join key for the window where the
// checkout request id has not yet been attached to a session.
func (c *STKCallback) AccountReference() string {
	return c.MetadataString("AccountReference")
}

// CallbackAck is the fixed acknowledgment envelope returned to the gateway for
// every reconciled callback, regardless of internal outcome.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// VerificationEvent is published to RabbitMQ when a session reaches a terminal
// state or a settlement is recorded.
type VerificationEvent struct {
	VerificationID uuid.UUID `json:"verification_id"`
	MerchantID     string    `json:"merchant_id"`
	Status         string    `json:"status"`
	Amount         int64     `json:"amount"`
	MpesaReceipt   string    `json:"mpesa_receipt,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
