package refunds

import (
	"context"
	"fmt"
	"strconv"

	mpconfig "github.com/mercadopago/sdk-go/pkg/config"
	mprefund "github.com/mercadopago/sdk-go/pkg/refund"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carserv/carserv-platform/internal/payments"
	"github.com/carserv/carserv-platform/pkg/logging"
)

var mercadopagoRefundTracer = otel.Tracer("carserv.internal.refunds.mercadopago")

// MercadoPagoRefunder pushes refunds back through the original payment.
type MercadoPagoRefunder struct {
	client mprefund.Client
	logger *logging.Logger
}

// NewMercadoPagoRefunder builds the provider refund client.
func NewMercadoPagoRefunder(accessToken string, logger *logging.Logger) (*MercadoPagoRefunder, error) {
	if accessToken == "" {
		return nil, payments.ErrGatewayNotConfigured
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg, err := mpconfig.New(accessToken)
	if err != nil {
		return nil, fmt.Errorf("refunds: mercadopago config: %w", err)
	}
	return &MercadoPagoRefunder{
		client: mprefund.NewClient(cfg),
		logger: logger.WithComponent("mercadopago_refunds"),
	}, nil
}

// Refund issues a partial refund against the captured payment and returns
// the provider's refund id.
func (g *MercadoPagoRefunder) Refund(ctx context.Context, paymentRef string, amount float64) (string, error) {
	id, err := strconv.Atoi(paymentRef)
	if err != nil {
		return "", fmt.Errorf("refunds: mercadopago ref %q is not numeric: %w", paymentRef, err)
	}

	ctx, span := mercadopagoRefundTracer.Start(ctx, "refunds.mercadopago.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("carserv.payment_ref", paymentRef),
		attribute.Float64("carserv.amount", amount),
	)

	resp, err := g.client.CreatePartialRefund(ctx, id, amount)
	if err != nil {
		g.logger.Error("mercadopago refund failed", "payment_ref", paymentRef, "error", err)
		return "", fmt.Errorf("refunds: mercadopago refund: %w", err)
	}
	return strconv.Itoa(resp.ID), nil
}
