package domain

// PaymentRequest is an outbound "request payment" instruction handed to the
// payment gateway client. AccountReference is the client-supplied reference
// the gateway echoes back in its callback.
type PaymentRequest struct {
	PayerPhone       string
	DestinationShort string
	Amount           int64
	AccountReference string
	Description      string
}

// PaymentRequestResult carries the gateway-assigned correlation identifiers
// returned synchronously for an accepted payment request. The actual outcome
// arrives later through the callback endpoint.
type PaymentRequestResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResponseCode      string
	CustomerMessage   string
}
