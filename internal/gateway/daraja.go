/**
 * @description
 * Adapter between the orchestrator's payment gateway contract and the Daraja
 * API client. The fee leg maps to an STK Push; the settlement leg maps to a
 * B2B paybill payment, with the B2B conversation id carried as the checkout
 * request id so reconciliation treats both legs uniformly.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: Gateway request and result shapes.
 * - pkg/darajaclient: The Daraja HTTP client.
 */

package gateway

import (
	"context"

	"github.com/konfirmpay/verification-service/internal/domain"
	"github.com/konfirmpay/verification-service/pkg/darajaclient"
)

// DarajaGateway exposes the Daraja client through the orchestrator's
// payment-gateway contract.
type DarajaGateway struct {
	client *darajaclient.Client
}

func NewDarajaGateway(client *darajaclient.Client) *DarajaGateway {
	return &DarajaGateway{client: client}
}

func (g *DarajaGateway) RequestPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRequestResult, error) {
	resp, err := g.client.STKPush(ctx, req.PayerPhone, req.Amount, req.AccountReference, req.Description)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentRequestResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		ResponseCode:      resp.ResponseCode,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

func (g *DarajaGateway) RequestMerchantPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRequestResult, error) {
	resp, err := g.client.B2BPayment(ctx, req.DestinationShort, req.Amount, req.AccountReference, req.Description)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentRequestResult{
		MerchantRequestID: resp.OriginatorConversationID,
		CheckoutRequestID: resp.ConversationID,
		ResponseCode:      resp.ResponseCode,
	}, nil
}
